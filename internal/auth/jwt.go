package auth

import (
	"errors"
	"fmt"
	"time"

	"affiliate-ledger/pkg/models"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleStudent = "student"
	RoleAdmin   = "admin"

	tokenTypeAccess = "access"
)

// Principal аутентифицированный пользователь запроса
type Principal struct {
	UserID int64
	Email  string
	Role   string
}

// IsAdmin проверяет роль администратора
func (p *Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// Claims содержимое access токена
type Claims struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	Type   string `json:"type"`
	jwt.RegisteredClaims
}

// Verifier проверяет и выпускает access токены HS256
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier создает проверку токенов
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Issue выпускает access токен
func (v *Verifier) Issue(p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: p.UserID,
		Email:  p.Email,
		Role:   p.Role,
		Type:   tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    v.issuer,
			Subject:   fmt.Sprintf("%d", p.UserID),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("ошибка подписи токена: %w", err)
	}
	return token, nil
}

// Verify проверяет подпись, срок действия и издателя токена
func (v *Verifier) Verify(tokenString string) (*Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, models.ErrUnauthenticated.Wrap(err)
	}
	if !token.Valid || claims.Type != tokenTypeAccess {
		return nil, models.ErrUnauthenticated.Wrap(errors.New("token is not an access token"))
	}
	if claims.UserID <= 0 {
		return nil, models.ErrUnauthenticated.Wrap(errors.New("token has no user_id"))
	}

	return &Principal{
		UserID: claims.UserID,
		Email:  claims.Email,
		Role:   claims.Role,
	}, nil
}
