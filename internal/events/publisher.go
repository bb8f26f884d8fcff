package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	SubjectRevocations = "license.revocations"
	SubjectActivations = "license.activations"
	SubjectAudit       = "license.audit"
)

// Publisher fans domain events out over NATS so sync consumers (CDN edge
// caches, reseller portals) learn about revocations without polling.
type Publisher struct {
	conn       *nats.Conn
	maxRetries int
}

func NewPublisher(conn *nats.Conn, maxRetries int) *Publisher {
	return &Publisher{conn: conn, maxRetries: maxRetries}
}

func (p *Publisher) Publish(subject string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	for i := 0; i <= p.maxRetries; i++ {
		err = p.conn.Publish(subject, data)
		if err == nil {
			return nil
		}

		// Backoff
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}

	return fmt.Errorf("publish failed after %d retries: %w", p.maxRetries, err)
}
