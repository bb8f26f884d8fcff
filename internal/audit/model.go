package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/yingzhisoft/license-server/internal/data"
)

// Event is one audit log entry. Every activation attempt, revocation, and
// admin action leaves exactly one, success or failure alike.
type Event struct {
	ID          uuid.UUID       `json:"id"`       // DB Primary Key
	EventID     uuid.UUID       `json:"event_id"` // Idempotency Key
	Actor       string          `json:"actor"`    // admin username, channel code, or "system"
	Action      string          `json:"action"`
	ChannelCode string          `json:"channel_code,omitempty"`
	SN          string          `json:"sn,omitempty"`
	Result      string          `json:"result"` // success/failure
	ReasonCode  string          `json:"reason_code,omitempty"`
	RequestID   string          `json:"request_id,omitempty"`
	ClientIP    string          `json:"client_ip,omitempty"` // salted hash, never raw
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Well-known actions.
const (
	ActionActivate       = "activation.activate"
	ActionChallenge      = "activation.challenge"
	ActionOfflineRequest = "activation.offline_request"
	ActionOfflineApprove = "activation.offline_approve"
	ActionRevoke         = "device.revoke"
	ActionAdminLogin     = "admin.login"
	ActionMfaEnroll      = "admin.mfa_enroll"
	ActionMfaVerify      = "admin.mfa_verify"
	ActionMfaLockout     = "admin.mfa_lockout"
	ActionCodeBatch      = "codes.generate_batch"
	ActionChannelCreate  = "channel.create"
	ActionChannelStatus  = "channel.set_status"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// FailoverEvent wrapper for JSONL spooling
type FailoverEvent struct {
	EventID   string    `json:"event_id"`
	Payload   Event     `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Filter for querying
type Filter struct {
	Actor       string
	ChannelCode string
	SN          string
	Action      string
	Result      string
	DateFrom    *time.Time
	DateTo      *time.Time
	Limit       int
	Cursor      string // ID-based cursor
}

type Service struct {
	DB data.DBTX
}

func NewService(db data.DBTX) *Service {
	return &Service{DB: db}
}
