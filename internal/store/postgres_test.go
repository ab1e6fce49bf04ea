package store

import (
	"errors"
	"fmt"
	"testing"

	"affiliate-ledger/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "нарушение уникальности",
			err:  &pgconn.PgError{Code: "23505", ConstraintName: "commissions_payment_event_id_key"},
			want: true,
		},
		{
			name: "обернутая ошибка",
			err:  fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}),
			want: true,
		},
		{
			name: "нарушение внешнего ключа",
			err:  &pgconn.PgError{Code: "23503"},
			want: false,
		},
		{
			name: "не ошибка postgres",
			err:  errors.New("connection reset"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isUniqueViolation(tt.err))
		})
	}
}

func TestNotFound(t *testing.T) {
	err := notFound(pgx.ErrNoRows, models.ErrPayoutNotFound, "ошибка получения выплаты")
	assert.ErrorIs(t, err, models.ErrPayoutNotFound)
	assert.Equal(t, models.KindNotFound, models.KindOf(err))

	cause := errors.New("timeout")
	err = notFound(cause, models.ErrPayoutNotFound, "ошибка получения выплаты")
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, models.ErrPayoutNotFound)
	assert.Equal(t, models.KindInternal, models.KindOf(err))
}
