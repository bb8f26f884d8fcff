package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/yingzhisoft/license-server/internal/audit"
)

func TestWriteEvent_DBPath(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	svc := audit.NewService(db)
	evt := audit.Event{
		Actor:       "CH_ABC_2025",
		Action:      audit.ActionActivate,
		ChannelCode: "CH_ABC_2025",
		SN:          "S1",
		Result:      audit.ResultSuccess,
		CreatedAt:   time.Now(),
	}

	mock.ExpectExec("INSERT INTO audit_logs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.WriteEvent(context.Background(), evt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteEvent_SpoolsOnDBFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	audit.ConfigureFailover(t.TempDir(), 10)
	svc := audit.NewService(db)

	mock.ExpectExec("INSERT INTO audit_logs").
		WillReturnError(errors.New("connection refused"))

	evt := audit.Event{
		EventID:   uuid.New(),
		Actor:     "admin",
		Action:    audit.ActionRevoke,
		SN:        "S9",
		Result:    audit.ResultSuccess,
		CreatedAt: time.Now(),
	}
	require.NoError(t, svc.WriteEvent(context.Background(), evt), "spooled events swallow the DB error")

	raw, err := os.ReadFile(filepath.Join(audit.SpoolDir, "audit_spool.log"))
	require.NoError(t, err)

	var fe audit.FailoverEvent
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(raw), &fe))
	require.Equal(t, evt.EventID.String(), fe.EventID)
	require.Equal(t, "S9", fe.Payload.SN)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaySpool_FlushesToDB(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	audit.ConfigureFailover(t.TempDir(), 10)
	svc := audit.NewService(db)

	// Seed the spool with two events via a failed write.
	mock.ExpectExec("INSERT INTO audit_logs").WillReturnError(errors.New("down"))
	mock.ExpectExec("INSERT INTO audit_logs").WillReturnError(errors.New("down"))
	require.NoError(t, svc.WriteEvent(context.Background(), audit.Event{EventID: uuid.New(), Action: audit.ActionActivate, CreatedAt: time.Now()}))
	require.NoError(t, svc.WriteEvent(context.Background(), audit.Event{EventID: uuid.New(), Action: audit.ActionRevoke, CreatedAt: time.Now()}))

	// DB back up: both rows land.
	mock.ExpectExec("INSERT INTO audit_logs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_logs").WillReturnResult(sqlmock.NewResult(0, 1))
	svc.ReplaySpool(context.Background())

	_, err = os.Stat(filepath.Join(audit.SpoolDir, "audit_spool.log"))
	require.True(t, os.IsNotExist(err), "spool drained")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryEvents_FiltersAndCursor(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	svc := audit.NewService(db)
	id1, id2 := uuid.New(), uuid.New()
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "event_id", "actor", "action", "channel_code", "sn", "result", "reason_code", "created_at", "metadata"}).
		AddRow(id1, uuid.New(), "CH_A", audit.ActionActivate, "CH_A", "S1", "failure", "quota_exceeded", now, nil).
		AddRow(id2, uuid.New(), "CH_A", audit.ActionActivate, "CH_A", "S2", "failure", "code_used", now.Add(-time.Minute), nil)

	mock.ExpectQuery("SELECT id, event_id, actor, action").
		WithArgs("CH_A", "failure", 50).
		WillReturnRows(rows)

	events, cursor, err := svc.QueryEvents(context.Background(), audit.Filter{
		ChannelCode: "CH_A",
		Result:      "failure",
		Limit:       50,
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, id2.String(), cursor, "cursor is the last row id")
	require.Equal(t, "quota_exceeded", events[0].ReasonCode)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExportEvents_JSONL(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	svc := audit.NewService(db)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "event_id", "actor", "action", "channel_code", "sn", "result", "reason_code", "created_at", "metadata"}).
		AddRow(uuid.New(), uuid.New(), "admin", audit.ActionRevoke, "CH_A", "S1", "success", "", now, nil).
		AddRow(uuid.New(), uuid.New(), "admin", audit.ActionRevoke, "CH_A", "S2", "success", "", now, nil)

	mock.ExpectQuery("SELECT id, event_id, actor, action").
		WithArgs("CH_A").
		WillReturnRows(rows)

	var buf bytes.Buffer
	require.NoError(t, svc.ExportEvents(context.Background(), audit.Filter{ChannelCode: "CH_A"}, &buf))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	for _, line := range lines {
		var evt audit.Event
		require.NoError(t, json.Unmarshal(line, &evt))
		require.Equal(t, audit.ActionRevoke, evt.Action)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}
