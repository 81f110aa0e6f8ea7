package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otp-service/internal/bucketing"
	"otp-service/internal/config"
	"otp-service/internal/delivery"
	"otp-service/internal/encryption"
	"otp-service/internal/hashing"
	"otp-service/internal/model"
	"otp-service/internal/normalize"
)

// -------------------- FAKES --------------------

type fakeLedger struct {
	mu        sync.Mutex
	rows      []*model.OtpCode
	insertErr error
	findCalls int
	onFind    func(call int)
}

func (l *fakeLedger) FindActive(ctx context.Context, tuple model.Tuple) (*model.OtpCode, error) {
	l.mu.Lock()
	l.findCalls++
	call := l.findCalls
	l.mu.Unlock()

	if l.onFind != nil {
		l.onFind(call)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	var newest *model.OtpCode
	for _, row := range l.rows {
		if row.Tuple() == tuple && row.IsActive(now) {
			if newest == nil || row.CreatedAt.After(newest.CreatedAt) {
				newest = row
			}
		}
	}
	if newest == nil {
		return nil, nil
	}
	cp := *newest
	return &cp, nil
}

func (l *fakeLedger) SupersedeAllActive(ctx context.Context, tuple model.Tuple) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	for _, row := range l.rows {
		if row.Tuple() == tuple && row.IsActive(now) {
			row.ExpiresAt = now
		}
	}
	return nil
}

func (l *fakeLedger) Insert(ctx context.Context, code *model.OtpCode) error {
	if l.insertErr != nil {
		return l.insertErr
	}

	if code.OtpID == "" {
		code.OtpID = uuid.New().String()
	}
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *code
	l.rows = append(l.rows, &cp)
	return nil
}

func (l *fakeLedger) MarkConsumed(ctx context.Context, tuple model.Tuple, otpID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	for _, row := range l.rows {
		if row.Tuple() == tuple && row.OtpID == otpID {
			row.ConsumedAt = &now
		}
	}
	return nil
}

func (l *fakeLedger) ExpireAllForSubjectPurpose(ctx context.Context, subjectBucket int, subjectID, purpose string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	count := 0
	for _, row := range l.rows {
		if row.SubjectBucket == subjectBucket && row.SubjectID == subjectID && row.Purpose == purpose && row.IsActive(now) {
			row.ExpiresAt = now
			count++
		}
	}
	return count, nil
}

func (l *fakeLedger) plant(row *model.OtpCode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *row
	l.rows = append(l.rows, &cp)
}

func (l *fakeLedger) get(otpID string) *model.OtpCode {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, row := range l.rows {
		if row.OtpID == otpID {
			cp := *row
			return &cp
		}
	}
	return nil
}

func (l *fakeLedger) rowCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rows)
}

func (l *fakeLedger) activeCount(tuple model.Tuple) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	count := 0
	for _, row := range l.rows {
		if row.Tuple() == tuple && row.IsActive(now) {
			count++
		}
	}
	return count
}

type fakeSubjectStore struct {
	mu      sync.Mutex
	byHash  map[string]*model.Subject
	deleted int
}

func (s *fakeSubjectStore) FindByIdentifierHash(ctx context.Context, hash string) (*model.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if subject, ok := s.byHash[hash]; ok {
		cp := *subject
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeSubjectStore) FindByIdentifierHashes(ctx context.Context, hashes []string) (*model.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, hash := range hashes {
		if subject, ok := s.byHash[hash]; ok {
			cp := *subject
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeSubjectStore) GetByID(ctx context.Context, bucket int, subjectID string) (*model.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, subject := range s.byHash {
		if subject.SubjectBucket == bucket && subject.SubjectID == subjectID {
			cp := *subject
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeSubjectStore) CreateIfAbsent(ctx context.Context, subject *model.Subject) (*model.Subject, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byHash[subject.IdentifierHash]; ok {
		cp := *existing
		return &cp, false, nil
	}

	now := time.Now().UTC()
	subject.SubjectID = uuid.New().String()
	subject.CreatedAt = now
	subject.UpdatedAt = now
	cp := *subject
	s.byHash[subject.IdentifierHash] = &cp
	return subject, true, nil
}

func (s *fakeSubjectStore) Delete(ctx context.Context, subject *model.Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byHash, subject.IdentifierHash)
	s.deleted++
	return nil
}

func (s *fakeSubjectStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byHash)
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *fakeLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *fakeLocker) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

func (l *fakeLocker) hold(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[key] = true
}

type stubCounter struct {
	mu         sync.Mutex
	allowed    bool
	retryAfter time.Duration
	err        error
	delay      time.Duration
	limits     []int
}

func (c *stubCounter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	c.limits = append(c.limits, limit)
	c.mu.Unlock()
	return c.allowed, c.retryAfter, c.err
}

type recordingSink struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

func (s *recordingSink) Record(event model.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Event == name {
			return true
		}
	}
	return false
}

type stubSender struct {
	mu           sync.Mutex
	err          error
	destinations []string
}

func (s *stubSender) Send(ctx context.Context, destination, code string, ttl time.Duration, purpose, brand string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destinations = append(s.destinations, destination)
	return s.err
}

// -------------------- HARNESS --------------------

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Hashing: config.HashingConfig{
			Argon2MemoryCost:   1024,
			Argon2TimeCost:     1,
			Argon2Parallelism:  1,
			PepperRotationDays: 30,
		},
		Bucketing: config.BucketingConfig{
			SubjectBuckets: 16,
			EventBuckets:   8,
		},
		Otp: config.OtpConfig{
			CodeLength:         6,
			DefaultTTL:         180 * time.Second,
			MinTTL:             60 * time.Second,
			MaxTTL:             900 * time.Second,
			MaxAttempts:        5,
			LockTTL:            5 * time.Second,
			PollAttempts:       3,
			PollInterval:       5 * time.Millisecond,
			ResendCooldown:     60 * time.Second,
			LegacyLookupShapes: []string{"canonical", "local", "plus", "bare"},
			CarrierPrefixes:    []string{"013", "014", "015", "016", "017", "018", "019"},
		},
		RateLimit: config.RateLimitConfig{
			Budget:        50 * time.Millisecond,
			Window:        10 * time.Minute,
			DefaultLimit:  5,
			CheckoutLimit: 20,
		},
		Delivery: config.DeliveryConfig{
			Timeout: 2 * time.Second,
			Brand:   "Storefront",
		},
	}
}

type harness struct {
	cfg        *config.Config
	ledger     *fakeLedger
	store      *fakeSubjectStore
	locker     *fakeLocker
	counter    *stubCounter
	sink       *recordingSink
	sender     *stubSender
	encryptor  *encryption.Manager
	buckets    *bucketing.Manager
	dispatcher *delivery.Dispatcher
	svc        *OtpService
}

func newHarness() *harness {
	cfg := testConfig()

	h := &harness{
		cfg:       cfg,
		ledger:    &fakeLedger{},
		store:     &fakeSubjectStore{byHash: map[string]*model.Subject{}},
		locker:    &fakeLocker{held: map[string]bool{}},
		counter:   &stubCounter{allowed: true},
		sink:      &recordingSink{},
		sender:    &stubSender{},
		encryptor: encryption.NewManager(cfg, nil),
		buckets:   bucketing.NewManager(cfg),
	}

	registry := delivery.NewRegistryWithSenders(map[model.Channel]delivery.Sender{
		model.ChannelEmail:    h.sender,
		model.ChannelSMS:      h.sender,
		model.ChannelWhatsApp: h.sender,
	})
	h.dispatcher = delivery.NewDispatcher(cfg, registry, h.sink)

	resolver := NewSubjectResolver(cfg, h.store, nil, h.encryptor, h.buckets)
	limiter := NewRateLimiter(cfg, h.counter)
	h.svc = NewOtpService(cfg, h.ledger, resolver, h.locker, limiter, hashing.NewHasher(cfg), h.dispatcher, h.sink)

	return h
}

// seedSubject pre-provisions a subject keyed by the given identifier
// shape so tests can exercise the existing-subject paths.
func (h *harness) seedSubject(t *testing.T, shape string, typ model.IdentifierType) *model.Subject {
	t.Helper()

	target, err := h.encryptor.EncryptTarget(context.Background(), shape)
	require.NoError(t, err)

	hash := hashing.IdentifierHash(shape)
	now := time.Now().UTC()
	subject := &model.Subject{
		SubjectBucket:   h.buckets.SubjectBucket(hash),
		SubjectID:       uuid.New().String(),
		IdentifierType:  typ,
		IdentifierHash:  hash,
		TargetEncrypted: target.Ciphertext,
		TargetDEK:       target.EncryptedDEK,
		TargetKeyID:     target.KeyID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	h.store.mu.Lock()
	h.store.byHash[hash] = subject
	h.store.mu.Unlock()

	return subject
}

// -------------------- TESTS --------------------

func TestRequestIssuesNewCodeForGuestPurpose(t *testing.T) {
	h := newHarness()

	result, err := h.svc.RequestOtp(context.Background(), IssueInput{
		Identifier: "01712345678",
		Purpose:    "signup",
		ClientIP:   "10.0.0.1",
	})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, StatusIssued, result.Status)
	require.NotNil(t, result.Otp)
	assert.NotEmpty(t, result.Otp.OtpID)
	assert.Equal(t, "signup", result.Otp.Purpose)
	assert.Equal(t, model.ChannelSMS, result.Otp.Channel)
	assert.NotEmpty(t, result.Otp.CodeHash)
	assert.WithinDuration(t, time.Now().Add(h.cfg.Otp.DefaultTTL), result.Otp.ExpiresAt, 2*time.Second)

	assert.Equal(t, "8801712345678", result.Identifier)
	assert.Equal(t, DeliveryQueued, result.Delivery)
	assert.Equal(t, h.cfg.Otp.ResendCooldown, result.ResendCooldown)
	assert.Equal(t, 1, h.store.count(), "guest-creatable purpose should provision a subject")
	assert.Equal(t, 1, h.ledger.activeCount(result.Otp.Tuple()))
	assert.True(t, h.sink.has(model.AuditRequested))

	h.dispatcher.Wait()
	assert.True(t, h.sink.has(model.AuditSent))
	require.Len(t, h.sender.destinations, 1)
	assert.Equal(t, "8801712345678", h.sender.destinations[0], "delivery must use the decrypted canonical target")
}

func TestSecondRequestReusesActiveCode(t *testing.T) {
	h := newHarness()
	input := IssueInput{Identifier: "customer@example.com", Purpose: "signup"}

	first, err := h.svc.RequestOtp(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, StatusIssued, first.Status)

	second, err := h.svc.RequestOtp(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, StatusReused, second.Status)
	assert.Equal(t, DeliveryReused, second.Delivery)
	assert.Equal(t, first.Otp.OtpID, second.Otp.OtpID)
	assert.LessOrEqual(t, second.ResendCooldown, h.cfg.Otp.ResendCooldown)
	assert.Equal(t, 1, h.ledger.rowCount(), "reuse must not write a second row")
	assert.True(t, h.sink.has(model.AuditReused))
}

func TestForceNewSupersedesActiveCode(t *testing.T) {
	h := newHarness()
	input := IssueInput{Identifier: "01712345678", Purpose: "checkout"}

	first, err := h.svc.RequestOtp(context.Background(), input)
	require.NoError(t, err)

	input.ForceNew = true
	second, err := h.svc.RequestOtp(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, StatusIssued, second.Status)
	assert.NotEqual(t, first.Otp.OtpID, second.Otp.OtpID)

	assert.Equal(t, 1, h.ledger.activeCount(second.Otp.Tuple()), "exactly one active code per tuple")
	old := h.ledger.get(first.Otp.OtpID)
	require.NotNil(t, old)
	assert.False(t, old.IsActive(time.Now().UTC()), "superseded code must be inactive")
}

func TestUnknownSubjectRejectedForLogin(t *testing.T) {
	h := newHarness()

	_, err := h.svc.RequestOtp(context.Background(), IssueInput{
		Identifier: "01712345678",
		Purpose:    "login",
	})
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.Equal(t, 0, h.store.count())

	// AllowNew overrides the purpose default.
	result, err := h.svc.RequestOtp(context.Background(), IssueInput{
		Identifier: "01712345678",
		Purpose:    "login",
		AllowNew:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusIssued, result.Status)
	assert.Equal(t, 1, h.store.count())
}

func TestTTLValidation(t *testing.T) {
	h := newHarness()
	h.seedSubject(t, "8801712345678", model.IdentifierPhone)

	_, err := h.svc.RequestOtp(context.Background(), IssueInput{
		Identifier: "01712345678",
		Purpose:    "login",
		TTLSeconds: 10,
	})
	assert.ErrorIs(t, err, ErrInvalidTTL)

	_, err = h.svc.RequestOtp(context.Background(), IssueInput{
		Identifier: "01712345678",
		Purpose:    "login",
		TTLSeconds: 1200,
	})
	assert.ErrorIs(t, err, ErrInvalidTTL)

	result, err := h.svc.RequestOtp(context.Background(), IssueInput{
		Identifier: "01712345678",
		Purpose:    "login",
		TTLSeconds: 300,
	})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(300*time.Second), result.Otp.ExpiresAt, 2*time.Second)
}

func TestChannelIdentityMismatch(t *testing.T) {
	h := newHarness()

	_, err := h.svc.RequestOtp(context.Background(), IssueInput{
		Identifier: "customer@example.com",
		Purpose:    "signup",
		Channel:    "sms",
	})
	assert.ErrorIs(t, err, ErrTargetMissing)

	var targetErr *TargetMissingError
	require.ErrorAs(t, err, &targetErr)
	assert.Equal(t, model.ChannelSMS, targetErr.Channel)

	_, err = h.svc.RequestOtp(context.Background(), IssueInput{
		Identifier: "01712345678",
		Purpose:    "signup",
		Channel:    "email",
	})
	assert.ErrorIs(t, err, ErrTargetMissing)
}

func TestRateLimitDenied(t *testing.T) {
	h := newHarness()
	h.counter.allowed = false
	h.counter.retryAfter = 30 * time.Second

	_, err := h.svc.RequestOtp(context.Background(), IssueInput{
		Identifier: "01712345678",
		Purpose:    "signup",
		ClientIP:   "10.0.0.1",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)

	var rateErr *RateLimitedError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, 30*time.Second, rateErr.RetryAfter)

	assert.True(t, h.sink.has(model.AuditRateLimited))
	assert.Equal(t, 0, h.ledger.rowCount(), "denied request must not touch the ledger")
}

func TestRateLimitFailsOpenOnStoreError(t *testing.T) {
	h := newHarness()
	h.counter.err = errors.New("redis down")

	result, err := h.svc.RequestOtp(context.Background(), IssueInput{
		Identifier: "01712345678",
		Purpose:    "signup",
	})
	require.NoError(t, err)

	assert.Equal(t, StatusIssued, result.Status)
	assert.True(t, result.RateBypassed)
	assert.True(t, h.sink.has(model.AuditRateLimitBypassed))
}

func TestBusyRetryWhenLockNeverReleases(t *testing.T) {
	h := newHarness()
	subject := h.seedSubject(t, "8801712345678", model.IdentifierPhone)
	h.locker.hold(fmt.Sprintf("%s:checkout:SMS", subject.SubjectID))

	_, err := h.svc.RequestOtp(context.Background(), IssueInput{
		Identifier: "01712345678",
		Purpose:    "checkout",
		ForceNew:   true,
	})
	assert.ErrorIs(t, err, ErrBusyRetry)
	assert.Equal(t, 0, h.ledger.rowCount())
}

func TestPollReusesConcurrentlyIssuedCode(t *testing.T) {
	h := newHarness()
	subject := h.seedSubject(t, "8801712345678", model.IdentifierPhone)
	h.locker.hold(fmt.Sprintf("%s:login:SMS", subject.SubjectID))

	planted := &model.OtpCode{
		SubjectBucket: subject.SubjectBucket,
		SubjectID:     subject.SubjectID,
		Purpose:       "login",
		Channel:       model.ChannelSMS,
		OtpID:         uuid.New().String(),
		ExpiresAt:     time.Now().UTC().Add(3 * time.Minute),
		CreatedAt:     time.Now().UTC(),
	}

	// The fast path sees no row; the concurrent writer publishes one
	// before the first poll re-check.
	h.ledger.onFind = func(call int) {
		if call == 2 {
			h.ledger.plant(planted)
		}
	}

	result, err := h.svc.RequestOtp(context.Background(), IssueInput{
		Identifier: "01712345678",
		Purpose:    "login",
	})
	require.NoError(t, err)

	assert.Equal(t, StatusReused, result.Status)
	assert.Equal(t, planted.OtpID, result.Otp.OtpID)
}

func TestConcurrentRequestsYieldSingleActiveCode(t *testing.T) {
	h := newHarness()
	h.seedSubject(t, "8801712345678", model.IdentifierPhone)

	const workers = 16
	results := make([]*IssueResult, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.svc.RequestOtp(context.Background(), IssueInput{
				Identifier: "01712345678",
				Purpose:    "order_confirm",
				ClientIP:   "10.0.0.1",
			})
		}(i)
	}
	wg.Wait()
	h.dispatcher.Wait()

	issued := 0
	otpIDs := map[string]bool{}
	for i := range results {
		if errs[i] != nil {
			assert.ErrorIs(t, errs[i], ErrBusyRetry, "contention must only surface as busy-retry")
			continue
		}
		require.NotNil(t, results[i].Otp)
		otpIDs[results[i].Otp.OtpID] = true
		if results[i].Status == StatusIssued {
			issued++
		}
	}

	require.NotEmpty(t, otpIDs, "at least one caller must win the lock and issue")
	assert.Len(t, otpIDs, 1, "every successful caller must see the same code")
	assert.Equal(t, 1, issued, "exactly one caller writes, the rest reuse")
	assert.Equal(t, 1, h.ledger.rowCount(), "concurrent issuance must never write a second row")
	assert.Len(t, h.sender.destinations, 1, "the code must be dispatched exactly once")
}

func TestProvisionedSubjectRolledBackOnIssueFailure(t *testing.T) {
	h := newHarness()
	h.ledger.insertErr = errors.New("write timeout")

	_, err := h.svc.RequestOtp(context.Background(), IssueInput{
		Identifier: "01712345678",
		Purpose:    "signup",
	})
	require.Error(t, err)

	assert.Equal(t, 1, h.store.deleted, "freshly provisioned subject must be compensated")
	assert.Equal(t, 0, h.store.count())
}

func TestExpireActionRetiresAllChannels(t *testing.T) {
	h := newHarness()
	h.seedSubject(t, "8801712345678", model.IdentifierPhone)

	_, err := h.svc.RequestOtp(context.Background(), IssueInput{
		Identifier: "01712345678",
		Purpose:    "checkout",
	})
	require.NoError(t, err)

	_, err = h.svc.RequestOtp(context.Background(), IssueInput{
		Identifier: "01712345678",
		Purpose:    "checkout",
		Channel:    "whatsapp",
	})
	require.NoError(t, err)

	result, err := h.svc.RequestOtp(context.Background(), IssueInput{
		Identifier: "01712345678",
		Purpose:    "checkout",
		Action:     "expire",
	})
	require.NoError(t, err)

	assert.Equal(t, StatusExpired, result.Status)
	assert.Equal(t, 2, result.ExpiredCount, "expire covers every channel of the purpose")
	assert.True(t, h.sink.has(model.AuditExpiredClient))

	// A fresh request after expiry must issue, not reuse.
	fresh, err := h.svc.RequestOtp(context.Background(), IssueInput{
		Identifier: "01712345678",
		Purpose:    "checkout",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusIssued, fresh.Status)
}

func TestExpireActionUnknownSubject(t *testing.T) {
	h := newHarness()

	_, err := h.svc.RequestOtp(context.Background(), IssueInput{
		Identifier: "01712345678",
		Purpose:    "checkout",
		Action:     "expire",
	})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestUnknownActionRejected(t *testing.T) {
	h := newHarness()

	_, err := h.svc.RequestOtp(context.Background(), IssueInput{
		Identifier: "01712345678",
		Purpose:    "checkout",
		Action:     "verify",
	})
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestLegacyShapeLookupFindsSubject(t *testing.T) {
	h := newHarness()
	// Subject row claimed under the pre-migration local shape.
	seeded := h.seedSubject(t, "01712345678", model.IdentifierPhone)

	result, err := h.svc.RequestOtp(context.Background(), IssueInput{
		Identifier: "+8801712345678",
		Purpose:    "login",
	})
	require.NoError(t, err)

	assert.Equal(t, StatusIssued, result.Status)
	assert.Equal(t, seeded.SubjectID, result.Otp.SubjectID)
	assert.Equal(t, 1, h.store.count(), "existing subject must be reused, not re-provisioned")
}

func TestNormalizationErrorsPropagate(t *testing.T) {
	h := newHarness()

	_, err := h.svc.RequestOtp(context.Background(), IssueInput{
		Identifier: "01712345678",
		Purpose:    "delete_account",
	})
	assert.ErrorIs(t, err, normalize.ErrInvalidPurpose)

	_, err = h.svc.RequestOtp(context.Background(), IssueInput{
		Identifier: "",
		Purpose:    "login",
	})
	assert.ErrorIs(t, err, normalize.ErrIdentifierRequired)

	_, err = h.svc.RequestOtp(context.Background(), IssueInput{
		Identifier: "01712345678",
		Purpose:    "login",
		Channel:    "pigeon",
	})
	assert.ErrorIs(t, err, normalize.ErrChannelUnsupported)
}

func TestDeliveryFailureLeavesCodeActive(t *testing.T) {
	h := newHarness()
	h.sender.err = fmt.Errorf("%w: status=502 body=gateway", delivery.ErrProviderRejected)

	result, err := h.svc.RequestOtp(context.Background(), IssueInput{
		Identifier: "01712345678",
		Purpose:    "signup",
	})
	require.NoError(t, err)
	h.dispatcher.Wait()

	assert.True(t, h.sink.has(model.AuditSendFailed))
	assert.Equal(t, 1, h.ledger.activeCount(result.Otp.Tuple()), "failed delivery must not invalidate the code")
}

func TestUndeliverableTargetNotReportedQueued(t *testing.T) {
	h := newHarness()
	subject := h.seedSubject(t, "8801712345678", model.IdentifierPhone)

	// Corrupt the stored ciphertext so target decryption fails.
	h.store.mu.Lock()
	h.store.byHash[subject.IdentifierHash].TargetEncrypted = "%%%not-base64%%%"
	h.store.mu.Unlock()

	result, err := h.svc.RequestOtp(context.Background(), IssueInput{
		Identifier: "01712345678",
		Purpose:    "login",
	})
	require.NoError(t, err)
	h.dispatcher.Wait()

	assert.Equal(t, StatusIssued, result.Status)
	assert.Equal(t, DeliveryFailed, result.Delivery, "callers must not be told a send is in flight")
	assert.Empty(t, h.sender.destinations, "nothing must reach the provider without a target")
	assert.True(t, h.sink.has(model.AuditSendError))
	assert.Equal(t, 1, h.ledger.activeCount(result.Otp.Tuple()), "the code stays valid for a later resend")
}

func TestDeliveryTransportErrorAudited(t *testing.T) {
	h := newHarness()
	h.sender.err = errors.New("connection refused")

	result, err := h.svc.RequestOtp(context.Background(), IssueInput{
		Identifier: "01712345678",
		Purpose:    "signup",
	})
	require.NoError(t, err)
	h.dispatcher.Wait()

	assert.True(t, h.sink.has(model.AuditSendError))
	assert.Equal(t, 1, h.ledger.activeCount(result.Otp.Tuple()))
}

func TestGenerateCode(t *testing.T) {
	code, err := generateCode(6)
	require.NoError(t, err)
	assert.Len(t, code, 6)
	for _, r := range code {
		assert.True(t, r >= '0' && r <= '9', "code must be numeric, got %q", code)
	}

	other, err := generateCode(6)
	require.NoError(t, err)
	// Collisions are possible but two draws plus length checks keep this
	// from being flaky while still catching a constant generator.
	if code == other {
		third, err := generateCode(6)
		require.NoError(t, err)
		assert.NotEqual(t, code, third)
	}
}
