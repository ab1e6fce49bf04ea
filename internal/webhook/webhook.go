package webhook

import (
	"fmt"
	"io"
	"net/http"

	"affiliate-ledger/pkg/models"
)

const maxBodySize = 1 << 20

// Metrics интерфейс метрик webhook'ов
type Metrics interface {
	RecordWebhook(provider, eventType, result string)
}

const (
	resultProcessed = "processed"
	resultIgnored   = "ignored"
	resultRejected  = "rejected"
	resultFailed    = "failed"
)

// readBody читает тело запроса с ограничением размера
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения тела запроса: %w", err)
	}
	return body, nil
}

// acknowledgeable проверяет, что повторная доставка не изменит результат.
// Такие ошибки подтверждаются провайдеру кодом 200, остальные возвращают 500
// и провайдер повторит доставку.
func acknowledgeable(err error) bool {
	switch models.KindOf(err) {
	case models.KindValidation, models.KindNotFound, models.KindPrecondition:
		return true
	default:
		return false
	}
}

func writeOK(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
