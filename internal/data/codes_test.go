package data_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/yingzhisoft/license-server/internal/data"
)

func codeRows(code, channelCode, status string, expiresAt *time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"code", "channel_code", "status", "expires_at", "bound_sn", "used_at", "created_at"}).
		AddRow(code, channelCode, status, expiresAt, nil, nil, time.Now())
}

// Single-use hinges on the conditional UPDATE: of N concurrent consumers
// postgres serializes the row, exactly one sees `status = 'active'` and gets
// a RETURNING row, every loser sees zero rows and classifies by re-reading.
// sqlmock can't race real transactions, so this pins the two halves of that
// contract: the winner's query shape, and the loser's ErrCodeUsed outcome.
func TestCodeConsume_WinnerAndLoser(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	m := data.CodeModel{DB: db}
	ctx := context.Background()

	now := time.Now()
	mock.ExpectQuery("UPDATE activation_codes").
		WithArgs("S1", "AC-1", "CH_A").
		WillReturnRows(sqlmock.NewRows([]string{"code", "channel_code", "status", "expires_at", "bound_sn", "used_at", "created_at"}).
			AddRow("AC-1", "CH_A", "used", nil, "S1", now, now))

	won, err := m.Consume(ctx, "AC-1", "CH_A", "S1")
	require.NoError(t, err)
	require.Equal(t, data.CodeUsed, won.Status)
	require.Equal(t, "S1", *won.BoundSN)

	// The loser's conditional update matches nothing; the re-read tells it
	// the code was spent, not that it never existed.
	mock.ExpectQuery("UPDATE activation_codes").
		WithArgs("S2", "AC-1", "CH_A").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT code, channel_code, status").
		WithArgs("AC-1").
		WillReturnRows(codeRows("AC-1", "CH_A", "used", nil))

	_, err = m.Consume(ctx, "AC-1", "CH_A", "S2")
	require.ErrorIs(t, err, data.ErrCodeUsed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCodeConsume_Classification(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	m := data.CodeModel{DB: db}
	ctx := context.Background()

	// Voided.
	mock.ExpectQuery("UPDATE activation_codes").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT code, channel_code, status").
		WillReturnRows(codeRows("AC-V", "CH_A", "void", nil))
	_, err = m.Consume(ctx, "AC-V", "CH_A", "S1")
	require.ErrorIs(t, err, data.ErrCodeVoided)

	// Expired.
	past := time.Now().Add(-time.Hour)
	mock.ExpectQuery("UPDATE activation_codes").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT code, channel_code, status").
		WillReturnRows(codeRows("AC-E", "CH_A", "active", &past))
	_, err = m.Consume(ctx, "AC-E", "CH_A", "S1")
	require.ErrorIs(t, err, data.ErrCodeExpired)

	// Another channel's code is indistinguishable from a bad code.
	mock.ExpectQuery("UPDATE activation_codes").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT code, channel_code, status").
		WillReturnRows(codeRows("AC-X", "CH_OTHER", "active", nil))
	_, err = m.Consume(ctx, "AC-X", "CH_A", "S1")
	require.ErrorIs(t, err, data.ErrCodeNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
