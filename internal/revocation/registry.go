package revocation

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/yingzhisoft/license-server/internal/data"
	"github.com/yingzhisoft/license-server/internal/events"
)

var ErrNotRevoked = errors.New("device not revoked")

type Entry struct {
	SN          string    `json:"sn"`
	ChannelCode string    `json:"channel_code"`
	Reason      string    `json:"reason"`
	RevokedBy   string    `json:"revoked_by"`
	RevokedAt   time.Time `json:"revoked_at"`
}

type eventPublisher interface {
	Publish(subject string, event any) error
}

// Registry is the authoritative revocation list. Entries are append-only;
// revoking an already revoked SN is a no-op, never an error.
type Registry struct {
	db  data.DBTX
	pub eventPublisher // nil disables fan-out
}

func NewRegistry(db data.DBTX, pub eventPublisher) *Registry {
	return &Registry{db: db, pub: pub}
}

// Revoke records the revocation and fans it out. Idempotent on SN: a repeat
// call keeps the original entry and publishes nothing.
func (r *Registry) Revoke(ctx context.Context, sn, channelCode, reason, revokedBy string) (*Entry, error) {
	query := `
		INSERT INTO revocations (sn, channel_code, reason, revoked_by, revoked_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (sn) DO NOTHING
		RETURNING sn, channel_code, reason, revoked_by, revoked_at
	`
	var e Entry
	err := r.db.QueryRowContext(ctx, query, sn, channelCode, reason, revokedBy).
		Scan(&e.SN, &e.ChannelCode, &e.Reason, &e.RevokedBy, &e.RevokedAt)
	if err == sql.ErrNoRows {
		// Already on the list. Return the existing entry.
		return r.get(ctx, sn)
	}
	if err != nil {
		return nil, err
	}

	if r.pub != nil {
		if pubErr := r.pub.Publish(events.SubjectRevocations, e); pubErr != nil {
			// The DB row is the source of truth; sync clients catch up via ListSince.
			log.Printf("revocation publish failed for %s: %v", sn, pubErr)
		}
	}
	return &e, nil
}

// IsRevoked answers the hot-path check during activation.
func (r *Registry) IsRevoked(ctx context.Context, sn string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM revocations WHERE sn = $1`, sn).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Registry) get(ctx context.Context, sn string) (*Entry, error) {
	var e Entry
	err := r.db.QueryRowContext(ctx,
		`SELECT sn, channel_code, reason, revoked_by, revoked_at FROM revocations WHERE sn = $1`, sn).
		Scan(&e.SN, &e.ChannelCode, &e.Reason, &e.RevokedBy, &e.RevokedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotRevoked
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListSince returns entries revoked after the cursor, oldest first, for
// incremental sync. A zero cursor streams the whole list (bounded).
func (r *Registry) ListSince(ctx context.Context, since time.Time, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT sn, channel_code, reason, revoked_by, revoked_at
		FROM revocations
		WHERE revoked_at > $1
		ORDER BY revoked_at ASC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.SN, &e.ChannelCode, &e.Reason, &e.RevokedBy, &e.RevokedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
