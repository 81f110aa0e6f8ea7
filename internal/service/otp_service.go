package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/delivery"
	"otp-service/internal/hashing"
	"otp-service/internal/model"
	"otp-service/internal/normalize"
	"otp-service/internal/util"
)

var (
	ErrInvalidTTL     = errors.New("ttl outside allowed window")
	ErrUserNotFound   = errors.New("subject not found")
	ErrBusyRetry      = errors.New("another issuance in progress, retry")
	ErrRateLimited    = errors.New("rate limited")
	ErrTargetMissing  = errors.New("subject has no contact target for channel")
	ErrInvalidAction  = errors.New("unsupported action")
	ErrIssuanceFailed = errors.New("issuance failed")
)

// RateLimitedError carries the wait hint alongside the sentinel.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// TargetMissingError names the channel the subject cannot be reached
// on.
type TargetMissingError struct {
	Channel model.Channel
}

func (e *TargetMissingError) Error() string {
	return fmt.Sprintf("subject has no %s contact target", e.Channel)
}

func (e *TargetMissingError) Unwrap() error { return ErrTargetMissing }

// Issue statuses.
const (
	StatusIssued  = "issued"
	StatusReused  = "reused"
	StatusExpired = "expired"
)

// Delivery markers. Failed means the code was committed but could not
// be handed to the dispatcher; it stays valid for a resend.
const (
	DeliveryQueued = "queued"
	DeliveryReused = "reused"
	DeliveryFailed = "failed"
)

// IssueInput is the raw, unnormalized request surface.
type IssueInput struct {
	Identifier     string
	Purpose        string
	Channel        string
	Action         string
	ForceNew       bool
	AllowNew       bool
	TTLSeconds     int
	IdempotencyKey string
	ClientIP       string
}

// IssueResult reports what happened. Plaintext codes are never part of
// the result; they travel only through the delivery dispatch.
type IssueResult struct {
	Status         string
	Otp            *model.OtpCode
	Identifier     string // canonical form, echoed back to the caller
	Delivery       string
	ResendCooldown time.Duration
	RateBypassed   bool
	ExpiredCount   int
}

// OtpService coordinates issuance: one active code per (subject,
// purpose, channel), enforced with a non-blocking tuple lock over the
// ledger. Everything around that invariant (throttling, delivery,
// audit) is best effort and never blocks the critical path.
type OtpService struct {
	cfg        *config.Config
	ledger     model.OtpLedger
	resolver   *SubjectResolver
	locker     model.TupleLocker
	limiter    *RateLimiter
	hasher     *hashing.Hasher
	dispatcher *delivery.Dispatcher
	audit      model.AuditSink
}

func NewOtpService(cfg *config.Config, ledger model.OtpLedger, resolver *SubjectResolver, locker model.TupleLocker, limiter *RateLimiter, hasher *hashing.Hasher, dispatcher *delivery.Dispatcher, audit model.AuditSink) *OtpService {
	return &OtpService{
		cfg:        cfg,
		ledger:     ledger,
		resolver:   resolver,
		locker:     locker,
		limiter:    limiter,
		hasher:     hasher,
		dispatcher: dispatcher,
		audit:      audit,
	}
}

// RequestOtp is the single entry point for issuance and the expire
// action.
func (s *OtpService) RequestOtp(ctx context.Context, input IssueInput) (*IssueResult, error) {
	purpose, err := normalize.Purpose(input.Purpose)
	if err != nil {
		return nil, err
	}

	ident, err := normalize.ClassifyIdentifier(input.Identifier, s.cfg.Otp.CarrierPrefixes)
	if err != nil {
		return nil, err
	}

	channel, err := normalize.Channel(input.Channel, ident.Type)
	if err != nil {
		return nil, err
	}

	identifierHash := hashing.IdentifierHash(ident.Canonical)

	switch input.Action {
	case "":
		// issuance, below
	case "expire", "cancel", "invalidate":
		return s.expireForClient(ctx, ident, identifierHash, purpose, input.ClientIP)
	default:
		return nil, ErrInvalidAction
	}

	ttl := s.cfg.Otp.DefaultTTL
	if input.TTLSeconds != 0 {
		ttl = time.Duration(input.TTLSeconds) * time.Second
		if ttl < s.cfg.Otp.MinTTL || ttl > s.cfg.Otp.MaxTTL {
			return nil, ErrInvalidTTL
		}
	}

	// Delivery channel must match the identity the subject is keyed by.
	if channelType(channel) != ident.Type {
		return nil, &TargetMissingError{Channel: channel}
	}

	decision := s.limiter.Check(ctx, input.ClientIP, identifierHash, purpose)
	if !decision.Allowed {
		s.record(model.AuditEvent{
			Event:          model.AuditRateLimited,
			IdentifierHash: identifierHash,
			Purpose:        purpose,
			Channel:        channel,
			ClientIP:       input.ClientIP,
		})
		return nil, &RateLimitedError{RetryAfter: decision.RetryAfter}
	}
	if decision.Bypassed {
		s.record(model.AuditEvent{
			Event:          model.AuditRateLimitBypassed,
			IdentifierHash: identifierHash,
			Purpose:        purpose,
			Channel:        channel,
			ClientIP:       input.ClientIP,
		})
	}

	allowCreate := input.AllowNew || normalize.IsGuestCreatable(purpose)
	subject, created, err := s.resolver.Resolve(ctx, ident, allowCreate)
	if err != nil {
		return nil, err
	}
	if subject == nil {
		return nil, ErrUserNotFound
	}

	s.record(model.AuditEvent{
		Event:          model.AuditRequested,
		SubjectID:      subject.SubjectID,
		IdentifierHash: identifierHash,
		Purpose:        purpose,
		Channel:        channel,
		ClientIP:       input.ClientIP,
	})

	tuple := model.Tuple{
		SubjectBucket: subject.SubjectBucket,
		SubjectID:     subject.SubjectID,
		Purpose:       purpose,
		Channel:       channel,
	}

	result, err := s.issue(ctx, tuple, subject, input, ttl)
	if err != nil && created {
		// The subject was provisioned for this request only; roll it
		// back so a failed issuance leaves no half-created identity.
		s.resolver.Compensate(ctx, subject)
	}
	if err != nil {
		return nil, err
	}

	result.Identifier = ident.Canonical
	result.RateBypassed = decision.Bypassed
	return result, nil
}

func (s *OtpService) issue(ctx context.Context, tuple model.Tuple, subject *model.Subject, input IssueInput, ttl time.Duration) (*IssueResult, error) {
	// Fast path: an active code satisfies the request without touching
	// the lock at all.
	if !input.ForceNew {
		active, err := s.ledger.FindActive(ctx, tuple)
		if err != nil {
			return nil, err
		}
		if active != nil {
			return s.reuse(tuple, active, input.ClientIP), nil
		}
	}

	lockKey := fmt.Sprintf("%s:%s:%s", tuple.SubjectID, tuple.Purpose, tuple.Channel)

	acquired, err := s.locker.TryLock(ctx, lockKey, s.cfg.Otp.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIssuanceFailed, err)
	}

	// Bounded poll: wait for the concurrent writer to either publish a
	// row we can reuse or release the lock. Never blocks past
	// PollAttempts * PollInterval.
	for attempt := 0; !acquired && attempt < s.cfg.Otp.PollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.cfg.Otp.PollInterval):
		}

		if !input.ForceNew {
			active, err := s.ledger.FindActive(ctx, tuple)
			if err != nil {
				return nil, err
			}
			if active != nil {
				return s.reuse(tuple, active, input.ClientIP), nil
			}
		}

		acquired, err = s.locker.TryLock(ctx, lockKey, s.cfg.Otp.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIssuanceFailed, err)
		}
	}

	if !acquired {
		return nil, ErrBusyRetry
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.locker.Unlock(unlockCtx, lockKey); err != nil {
			util.Warn("Failed to release issue lock, TTL will reap it",
				zap.String("lock_key", lockKey),
				zap.Error(err))
		}
	}()

	// Re-check under the lock: a writer we raced may have committed
	// between the fast path and acquisition.
	if !input.ForceNew {
		active, err := s.ledger.FindActive(ctx, tuple)
		if err != nil {
			return nil, err
		}
		if active != nil {
			return s.reuse(tuple, active, input.ClientIP), nil
		}
	}

	plaintext, err := generateCode(s.cfg.Otp.CodeLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}

	hashed, err := s.hasher.HashCode(plaintext, tuple.Purpose)
	if err != nil {
		return nil, fmt.Errorf("failed to hash code: %w", err)
	}

	if err := s.ledger.SupersedeAllActive(ctx, tuple); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	row := &model.OtpCode{
		SubjectBucket:  tuple.SubjectBucket,
		SubjectID:      tuple.SubjectID,
		Purpose:        tuple.Purpose,
		Channel:        tuple.Channel,
		CodeHash:       hashed.Hash,
		CodeSalt:       hashed.Salt,
		HashAlgorithm:  hashed.Algorithm,
		PepperVersion:  hashed.PepperVersion,
		MaxAttempts:    s.cfg.Otp.MaxAttempts,
		ExpiresAt:      now.Add(ttl),
		CreatedAt:      now,
		Fingerprint:    hashed.Fingerprint,
		IdempotencyKey: input.IdempotencyKey,
	}

	if err := s.ledger.Insert(ctx, row); err != nil {
		return nil, err
	}

	result := &IssueResult{Status: StatusIssued, Otp: row, Delivery: DeliveryQueued, ResendCooldown: s.cooldown(ttl)}

	// Delivery is detached: the row is committed and stays valid no
	// matter what happens to the send.
	destination, err := s.resolver.DecryptTarget(ctx, subject)
	if err != nil {
		util.Error("Failed to decrypt contact target, code issued without delivery",
			zap.String("otp_id", row.OtpID),
			zap.Error(err))
		s.record(model.AuditEvent{
			Event:     model.AuditSendError,
			SubjectID: row.SubjectID,
			Purpose:   row.Purpose,
			Channel:   row.Channel,
			OtpID:     row.OtpID,
			Detail:    "target decryption failed",
		})
		result.Delivery = DeliveryFailed
	} else {
		s.dispatcher.Dispatch(row, destination, plaintext, ttl)
	}

	return result, nil
}

func (s *OtpService) reuse(tuple model.Tuple, active *model.OtpCode, clientIP string) *IssueResult {
	s.record(model.AuditEvent{
		Event:     model.AuditReused,
		SubjectID: tuple.SubjectID,
		Purpose:   tuple.Purpose,
		Channel:   tuple.Channel,
		OtpID:     active.OtpID,
		ClientIP:  clientIP,
	})
	return &IssueResult{Status: StatusReused, Otp: active, Delivery: DeliveryReused, ResendCooldown: s.cooldown(time.Until(active.ExpiresAt))}
}

// cooldown is the resend hint reported to callers: the configured
// cooldown, capped at the code's remaining life.
func (s *OtpService) cooldown(remaining time.Duration) time.Duration {
	if remaining < s.cfg.Otp.ResendCooldown {
		return remaining
	}
	return s.cfg.Otp.ResendCooldown
}

// expireForClient retires every active code for (subject, purpose)
// across all channels. Lock-free: supersede-only writes cannot violate
// the single-active invariant, so there is nothing to serialize.
func (s *OtpService) expireForClient(ctx context.Context, ident normalize.Identifier, identifierHash, purpose, clientIP string) (*IssueResult, error) {
	subject, _, err := s.resolver.Resolve(ctx, ident, false)
	if err != nil {
		return nil, err
	}
	if subject == nil {
		return nil, ErrUserNotFound
	}

	count, err := s.ledger.ExpireAllForSubjectPurpose(ctx, subject.SubjectBucket, subject.SubjectID, purpose)
	if err != nil {
		return nil, err
	}

	s.record(model.AuditEvent{
		Event:          model.AuditExpiredClient,
		SubjectID:      subject.SubjectID,
		IdentifierHash: identifierHash,
		Purpose:        purpose,
		Detail:         fmt.Sprintf("expired %d codes", count),
		ClientIP:       clientIP,
	})

	return &IssueResult{Status: StatusExpired, Identifier: ident.Canonical, ExpiredCount: count}, nil
}

func (s *OtpService) record(event model.AuditEvent) {
	if s.audit != nil {
		s.audit.Record(event)
	}
}

func channelType(channel model.Channel) model.IdentifierType {
	if channel == model.ChannelEmail {
		return model.IdentifierEmail
	}
	return model.IdentifierPhone
}

// generateCode draws a uniform numeric code of the given length from
// crypto/rand.
func generateCode(length int) (string, error) {
	digits := make([]byte, length)
	max := big.NewInt(10)
	for i := range digits {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}
