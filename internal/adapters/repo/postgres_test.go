package repo

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"support-bridge/internal/domain"
)

func TestMapError(t *testing.T) {
	other := errors.New("boom")
	tests := []struct {
		name string
		in   error
		want error
	}{
		{name: "no rows", in: pgx.ErrNoRows, want: domain.ErrNotFound},
		{name: "wrapped no rows", in: fmt.Errorf("scan: %w", pgx.ErrNoRows), want: domain.ErrNotFound},
		{name: "duplicate update", in: &pgconn.PgError{Code: "23505", ConstraintName: constraintExternalUpdate}, want: domain.ErrDuplicate},
		{name: "missing user", in: &pgconn.PgError{Code: "23503", ConstraintName: "support_conversations_user_id_fkey"}, want: domain.ErrNotFound},
		{name: "body check", in: &pgconn.PgError{Code: "23514", ConstraintName: "support_messages_body_check"}, want: domain.ErrInvalidInput},
		{name: "other", in: other, want: other},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, mapError(tt.in), tt.want)
		})
	}
	require.NoError(t, mapError(nil))
}

func TestMapErrorKeepsOtherUniqueViolations(t *testing.T) {
	err := mapError(&pgconn.PgError{Code: "23505", ConstraintName: "admin_telegram_links_user_id_key"})
	require.False(t, errors.Is(err, domain.ErrDuplicate))
}
