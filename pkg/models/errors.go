package models

import (
	"errors"
)

// ErrorKind категория ошибки, определяющая ответ клиенту
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindAuthorization ErrorKind = "authorization"
	KindPrecondition  ErrorKind = "precondition"
	KindNotFound      ErrorKind = "not_found"
	KindUpstream      ErrorKind = "upstream"
	KindInternal      ErrorKind = "internal"
)

// Error доменная ошибка со стабильным кодом
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is сравнивает ошибки по коду
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Wrap возвращает копию ошибки с причиной
func (e *Error) Wrap(err error) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message, Err: err}
}

func newError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	ErrInvalidInput       = newError(KindValidation, "invalid_input", "некорректные данные")
	ErrInvalidEmail       = newError(KindValidation, "invalid_email", "некорректный email для выплат")
	ErrCurrencyMismatch   = newError(KindValidation, "currency_mismatch", "валюта платежа не совпадает с валютой программы")
	ErrInvalidAmount      = newError(KindValidation, "invalid_amount", "сумма платежа должна быть положительной")
	ErrSelfReferral       = newError(KindValidation, "self_referral", "пользователь не может пригласить сам себя")
	ErrAlreadyReferred    = newError(KindPrecondition, "already_referred", "пользователь уже был приглашен")
	ErrUnauthenticated    = newError(KindAuthorization, "unauthenticated", "требуется авторизация")
	ErrForbidden          = newError(KindAuthorization, "forbidden", "недостаточно прав")
	ErrAffiliateInactive  = newError(KindAuthorization, "affiliate_inactive", "партнер деактивирован")
	ErrNoPayoutEmail      = newError(KindPrecondition, "payout_email_missing", "не указан email для выплат")
	ErrBelowMinimum       = newError(KindPrecondition, "below_minimum", "баланс меньше минимальной суммы выплаты")
	ErrPayoutInFlight     = newError(KindPrecondition, "payout_in_flight", "предыдущая выплата еще обрабатывается")
	ErrInvalidTransition  = newError(KindPrecondition, "invalid_transition", "недопустимая смена статуса")
	ErrAffiliateNotFound  = newError(KindNotFound, "affiliate_not_found", "партнер не найден")
	ErrReferralNotFound   = newError(KindNotFound, "referral_not_found", "реферал не найден")
	ErrCommissionNotFound = newError(KindNotFound, "commission_not_found", "комиссия не найдена")
	ErrPayoutNotFound     = newError(KindNotFound, "payout_not_found", "выплата не найдена")
	ErrProviderFailure    = newError(KindUpstream, "provider_failure", "ошибка платежного провайдера")
)

// KindOf возвращает категорию ошибки, для неизвестных ошибок KindInternal
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
