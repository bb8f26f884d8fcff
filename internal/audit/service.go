package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/google/uuid"
)

func (s *Service) WriteEvent(ctx context.Context, evt Event) error {
	// Idempotency: If EventID is empty, generate it.
	if evt.EventID == uuid.Nil {
		evt.EventID = uuid.New()
	}

	query := `
		INSERT INTO audit_logs (
			event_id, actor, action, channel_code, sn,
			result, reason_code, request_id, client_ip, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id) DO NOTHING
	`

	_, err := s.DB.ExecContext(ctx, query,
		evt.EventID, evt.Actor, evt.Action, evt.ChannelCode, evt.SN,
		evt.Result, evt.ReasonCode, evt.RequestID, evt.ClientIP, evt.Metadata, evt.CreatedAt,
	)

	if err != nil {
		// Failover to the local spool; the replayer flushes it when the DB
		// comes back.
		log.Printf("audit DB write failed: %v, spooling event %s", err, evt.EventID)
		if spoolErr := SpoolEvent(evt); spoolErr != nil {
			log.Printf("CRITICAL: audit spool failed for event %s: %v", evt.EventID, spoolErr)
			return fmt.Errorf("audit critical failure: %v", spoolErr)
		}
		return nil
	}

	return nil
}

// Append-only enforcement: No Update or Delete methods exposed.

// QueryEvents implements filters and cursor pagination
func (s *Service) QueryEvents(ctx context.Context, f Filter) ([]Event, string, error) {
	q := `SELECT id, event_id, actor, action, channel_code, sn, result, reason_code, created_at, metadata
	      FROM audit_logs
	      WHERE 1=1`
	var args []interface{}
	idx := 1

	add := func(clause, value string) {
		if value != "" {
			q += fmt.Sprintf(" AND %s = $%d", clause, idx)
			args = append(args, value)
			idx++
		}
	}
	add("actor", f.Actor)
	add("channel_code", f.ChannelCode)
	add("sn", f.SN)
	add("action", f.Action)
	add("result", f.Result)

	if f.DateFrom != nil {
		q += fmt.Sprintf(" AND created_at >= $%d", idx)
		args = append(args, *f.DateFrom)
		idx++
	}
	if f.DateTo != nil {
		q += fmt.Sprintf(" AND created_at < $%d", idx)
		args = append(args, *f.DateTo)
		idx++
	}

	// Cursor (ID based scrolling)
	if f.Cursor != "" {
		q += fmt.Sprintf(" AND id < $%d", idx)
		args = append(args, f.Cursor)
		idx++
	}

	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", idx)
	args = append(args, f.Limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var events []Event
	var lastID string

	for rows.Next() {
		var evt Event
		var meta []byte
		if err := rows.Scan(&evt.ID, &evt.EventID, &evt.Actor, &evt.Action, &evt.ChannelCode, &evt.SN,
			&evt.Result, &evt.ReasonCode, &evt.CreatedAt, &meta); err != nil {
			return nil, "", err
		}
		if len(meta) > 0 {
			evt.Metadata = json.RawMessage(meta)
		}
		events = append(events, evt)
		lastID = evt.ID.String()
	}

	return events, lastID, rows.Err()
}

// ExportEvents streams matching events as JSONL for compliance pulls.
func (s *Service) ExportEvents(ctx context.Context, f Filter, w io.Writer) error {
	q := `SELECT id, event_id, actor, action, channel_code, sn, result, reason_code, created_at, metadata
	      FROM audit_logs
	      WHERE 1=1`
	var args []interface{}
	idx := 1
	if f.ChannelCode != "" {
		q += fmt.Sprintf(" AND channel_code = $%d", idx)
		args = append(args, f.ChannelCode)
		idx++
	}
	if f.DateFrom != nil {
		q += fmt.Sprintf(" AND created_at >= $%d", idx)
		args = append(args, *f.DateFrom)
		idx++
	}
	q += " ORDER BY created_at ASC"

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	enc := json.NewEncoder(w)
	count := 0
	const maxRecords = 10000 // Safety Bound

	for rows.Next() {
		if count >= maxRecords {
			break
		}
		var evt Event
		var meta []byte
		if err := rows.Scan(&evt.ID, &evt.EventID, &evt.Actor, &evt.Action, &evt.ChannelCode, &evt.SN,
			&evt.Result, &evt.ReasonCode, &evt.CreatedAt, &meta); err != nil {
			return err
		}
		if len(meta) > 0 {
			evt.Metadata = json.RawMessage(meta)
		}
		if err := enc.Encode(evt); err != nil {
			return err
		}
		count++
	}
	return rows.Err()
}
