package model

import (
	"context"
	"time"
)

// -------------------- VOCABULARY --------------------

type Channel string

const (
	ChannelEmail    Channel = "EMAIL"
	ChannelSMS      Channel = "SMS"
	ChannelWhatsApp Channel = "WHATSAPP"
)

type IdentifierType string

const (
	IdentifierEmail IdentifierType = "email"
	IdentifierPhone IdentifierType = "phone"
)

// Tuple scopes the single-active-code invariant: at most one unconsumed,
// unexpired OtpCode may exist per tuple at any time.
type Tuple struct {
	SubjectBucket int
	SubjectID     string
	Purpose       string
	Channel       Channel
}

// -------------------- SUBJECT MODEL --------------------

// Subject is a durable identity keyed by one canonical phone or email.
// The raw contact target is stored envelope-encrypted; lookups go
// through the identifier hash only.
type Subject struct {
	SubjectBucket   int            `json:"subject_bucket" db:"subject_bucket"`
	SubjectID       string         `json:"subject_id" db:"subject_id"` // UUID
	IdentifierType  IdentifierType `json:"identifier_type" db:"identifier_type"`
	IdentifierHash  string         `json:"identifier_hash" db:"identifier_hash"` // SHA-256 of canonical form
	TargetEncrypted string         `json:"-" db:"target_encrypted"`
	TargetDEK       string         `json:"-" db:"target_dek"`
	TargetKeyID     string         `json:"-" db:"target_key_id"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" db:"updated_at"`
}

// -------------------- OTP LEDGER MODEL --------------------

// OtpCode is a ledger row. Only the keyed hash of the code is ever
// persisted; the plaintext lives exactly as long as the delivery
// dispatch that carries it.
type OtpCode struct {
	SubjectBucket  int        `json:"-" db:"subject_bucket"`
	SubjectID      string     `json:"subject_id" db:"subject_id"`
	Purpose        string     `json:"purpose" db:"purpose"`
	Channel        Channel    `json:"channel" db:"channel"`
	OtpID          string     `json:"otp_id" db:"otp_id"` // UUID
	CodeHash       string     `json:"-" db:"code_hash"`
	CodeSalt       string     `json:"-" db:"code_salt"`
	HashAlgorithm  string     `json:"-" db:"hash_algorithm"`
	PepperVersion  int        `json:"-" db:"pepper_version"`
	AttemptCount   int        `json:"attempt_count" db:"attempt_count"`
	MaxAttempts    int        `json:"max_attempts" db:"max_attempts"`
	ExpiresAt      time.Time  `json:"expires_at" db:"expires_at"`
	ConsumedAt     *time.Time `json:"consumed_at,omitempty" db:"consumed_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	Fingerprint    string     `json:"-" db:"fingerprint"` // JSON diagnostics blob
	IdempotencyKey string     `json:"-" db:"idempotency_key"`
}

// IsActive reports whether the row is usable at the given instant.
// Expiry is enforced here at read time, never by a background sweep.
func (c *OtpCode) IsActive(now time.Time) bool {
	return c.ConsumedAt == nil && c.ExpiresAt.After(now)
}

func (c *OtpCode) Tuple() Tuple {
	return Tuple{
		SubjectBucket: c.SubjectBucket,
		SubjectID:     c.SubjectID,
		Purpose:       c.Purpose,
		Channel:       c.Channel,
	}
}

// -------------------- REQUEST MODEL --------------------

// OtpRequest is the normalized view of one incoming call. It is never
// persisted.
type OtpRequest struct {
	Identifier     string
	IdentifierType IdentifierType
	Purpose        string
	Channel        Channel
	ForceNew       bool
	AllowNew       bool
	IdempotencyKey string
	Action         string // "" | "expire" | "cancel" | "invalidate"
	ClientIP       string
	TTL            time.Duration // zero means service default
}

// -------------------- AUDIT MODEL --------------------

type AuditEvent struct {
	EventID        string    `json:"event_id"`
	Event          string    `json:"event"`
	SubjectID      string    `json:"subject_id,omitempty"`
	IdentifierHash string    `json:"identifier_hash,omitempty"`
	Purpose        string    `json:"purpose,omitempty"`
	Channel        Channel   `json:"channel,omitempty"`
	OtpID          string    `json:"otp_id,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	ClientIP       string    `json:"client_ip,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Audit event names, one per lifecycle transition.
const (
	AuditRequested         = "requested"
	AuditReused            = "reused"
	AuditSent              = "sent"
	AuditSendFailed        = "send_failed"
	AuditSendError         = "send_error"
	AuditRateLimited       = "rate_limited"
	AuditRateLimitBypassed = "rate_limit_bypassed"
	AuditExpiredClient     = "expired_client"
)

// -------------------- COLLABORATOR CONTRACTS --------------------

// OtpLedger is the persisted store of issued codes; the single source
// of truth for the active-code invariant. FindActive returns (nil, nil)
// when no usable row exists.
type OtpLedger interface {
	FindActive(ctx context.Context, tuple Tuple) (*OtpCode, error)
	SupersedeAllActive(ctx context.Context, tuple Tuple) error
	Insert(ctx context.Context, code *OtpCode) error
	MarkConsumed(ctx context.Context, tuple Tuple, otpID string) error
	ExpireAllForSubjectPurpose(ctx context.Context, subjectBucket int, subjectID, purpose string) (int, error)
}

// SubjectStore resolves and provisions subjects. CreateIfAbsent must be
// atomic: concurrent calls for the same identifier yield one subject.
type SubjectStore interface {
	FindByIdentifierHash(ctx context.Context, hash string) (*Subject, error)
	FindByIdentifierHashes(ctx context.Context, hashes []string) (*Subject, error)
	GetByID(ctx context.Context, bucket int, subjectID string) (*Subject, error)
	CreateIfAbsent(ctx context.Context, subject *Subject) (*Subject, bool, error)
	Delete(ctx context.Context, subject *Subject) error
}

// TupleLocker is a non-blocking exclusive lock keyed by tuple.
type TupleLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// RateCounter is the shared sliding-window counter store. Callers treat
// it as best-effort; it is never required for correctness.
type RateCounter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

// AuditSink records lifecycle events. Implementations must never block
// or fail the caller.
type AuditSink interface {
	Record(event AuditEvent)
}
