package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-service/internal/model"
	"otp-service/internal/util"
)

// OtpLedgerRepository is the persisted ledger of issued codes. Expiry
// is enforced at read time: rows are filtered against the clock on
// every scan and nothing depends on a background sweep.
type OtpLedgerRepository struct {
	client *ScyllaClient
}

func NewOtpLedgerRepository(client *ScyllaClient, logger *zap.Logger) *OtpLedgerRepository {
	return &OtpLedgerRepository{
		client: client,
	}
}

// FindActive returns the newest usable row for the tuple, or (nil, nil)
// when every row is consumed or expired.
func (r *OtpLedgerRepository) FindActive(ctx context.Context, tuple model.Tuple) (*model.OtpCode, error) {
	rows, err := r.scanRows(r.client.Prepared.SelectOtpsForTuple.
		Bind(tuple.SubjectBucket, tuple.SubjectID, tuple.Purpose, string(tuple.Channel)).
		WithContext(ctx))
	if err != nil {
		util.Error("Failed to scan ledger rows for tuple",
			zap.String("subject_id", tuple.SubjectID),
			zap.String("purpose", tuple.Purpose),
			zap.Error(err))
		return nil, fmt.Errorf("failed to scan ledger rows: %w", err)
	}

	now := time.Now().UTC()
	var newest *model.OtpCode
	for _, row := range rows {
		if !row.IsActive(now) {
			continue
		}
		if newest == nil || row.CreatedAt.After(newest.CreatedAt) {
			newest = row
		}
	}
	return newest, nil
}

// SupersedeAllActive retires every active row for the tuple by moving
// its expiry to now. Rows are never deleted; a superseded row simply
// stops passing the read-time filter.
func (r *OtpLedgerRepository) SupersedeAllActive(ctx context.Context, tuple model.Tuple) error {
	rows, err := r.scanRows(r.client.Prepared.SelectOtpsForTuple.
		Bind(tuple.SubjectBucket, tuple.SubjectID, tuple.Purpose, string(tuple.Channel)).
		WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to scan ledger rows for supersede: %w", err)
	}

	now := time.Now().UTC()
	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	count := 0
	for _, row := range rows {
		if !row.IsActive(now) {
			continue
		}
		batch.Query(r.client.Prepared.SupersedeOtp.Statement(),
			now, row.SubjectBucket, row.SubjectID, row.Purpose, string(row.Channel), row.OtpID)
		count++
	}

	if count == 0 {
		return nil
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to supersede active codes",
			zap.String("subject_id", tuple.SubjectID),
			zap.String("purpose", tuple.Purpose),
			zap.Int("count", count),
			zap.Error(err))
		return fmt.Errorf("failed to supersede active codes: %w", err)
	}

	util.Info("Superseded active codes",
		zap.String("subject_id", tuple.SubjectID),
		zap.String("purpose", tuple.Purpose),
		zap.String("channel", string(tuple.Channel)),
		zap.Int("count", count))

	return nil
}

func (r *OtpLedgerRepository) Insert(ctx context.Context, code *model.OtpCode) error {
	if code.OtpID == "" {
		code.OtpID = uuid.New().String()
	}
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC()
	}

	var consumedAt interface{}
	if code.ConsumedAt != nil {
		consumedAt = *code.ConsumedAt
	}

	query := r.client.Prepared.InsertOtp.Bind(
		code.SubjectBucket, code.SubjectID, code.Purpose, string(code.Channel),
		code.OtpID, code.CodeHash, code.CodeSalt, code.HashAlgorithm,
		code.PepperVersion, code.AttemptCount, code.MaxAttempts,
		code.ExpiresAt, consumedAt, code.CreatedAt, code.Fingerprint,
		code.IdempotencyKey).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to insert ledger row",
			zap.String("subject_id", code.SubjectID),
			zap.String("otp_id", code.OtpID),
			zap.Error(err))
		return fmt.Errorf("failed to insert ledger row: %w", err)
	}

	util.Info("Ledger row inserted",
		zap.String("subject_id", code.SubjectID),
		zap.String("purpose", code.Purpose),
		zap.String("channel", string(code.Channel)),
		zap.String("otp_id", code.OtpID),
		zap.Time("expires_at", code.ExpiresAt))

	return nil
}

// MarkConsumed is terminal: a consumed row never becomes active again.
func (r *OtpLedgerRepository) MarkConsumed(ctx context.Context, tuple model.Tuple, otpID string) error {
	now := time.Now().UTC()

	query := r.client.Prepared.MarkOtpConsumed.Bind(
		now, tuple.SubjectBucket, tuple.SubjectID, tuple.Purpose,
		string(tuple.Channel), otpID).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to mark code consumed",
			zap.String("otp_id", otpID),
			zap.Error(err))
		return fmt.Errorf("failed to mark code consumed: %w", err)
	}

	util.Info("Code marked consumed",
		zap.String("subject_id", tuple.SubjectID),
		zap.String("otp_id", otpID))

	return nil
}

// ExpireAllForSubjectPurpose retires active rows across every channel
// for the subject and purpose, returning how many were retired. This
// backs the client-driven expire action and takes no tuple lock.
func (r *OtpLedgerRepository) ExpireAllForSubjectPurpose(ctx context.Context, subjectBucket int, subjectID, purpose string) (int, error) {
	rows, err := r.scanRows(r.client.Prepared.SelectOtpsByPurpose.
		Bind(subjectBucket, subjectID, purpose).
		WithContext(ctx))
	if err != nil {
		util.Error("Failed to scan ledger rows for expire",
			zap.String("subject_id", subjectID),
			zap.String("purpose", purpose),
			zap.Error(err))
		return 0, fmt.Errorf("failed to scan ledger rows: %w", err)
	}

	now := time.Now().UTC()
	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	count := 0
	for _, row := range rows {
		if !row.IsActive(now) {
			continue
		}
		batch.Query(r.client.Prepared.SupersedeOtp.Statement(),
			now, row.SubjectBucket, row.SubjectID, row.Purpose, string(row.Channel), row.OtpID)
		count++
	}

	if count == 0 {
		return 0, nil
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to expire codes",
			zap.String("subject_id", subjectID),
			zap.String("purpose", purpose),
			zap.Int("count", count),
			zap.Error(err))
		return 0, fmt.Errorf("failed to expire codes: %w", err)
	}

	util.Info("Expired codes on client request",
		zap.String("subject_id", subjectID),
		zap.String("purpose", purpose),
		zap.Int("count", count))

	return count, nil
}

func (r *OtpLedgerRepository) scanRows(query *gocql.Query) ([]*model.OtpCode, error) {
	iter := query.Iter()

	var rows []*model.OtpCode
	for {
		row := &model.OtpCode{}
		var channel string
		var consumedAt time.Time

		ok := iter.Scan(
			&row.SubjectBucket, &row.SubjectID, &row.Purpose, &channel,
			&row.OtpID, &row.CodeHash, &row.CodeSalt, &row.HashAlgorithm,
			&row.PepperVersion, &row.AttemptCount, &row.MaxAttempts,
			&row.ExpiresAt, &consumedAt, &row.CreatedAt, &row.Fingerprint,
			&row.IdempotencyKey)
		if !ok {
			break
		}

		row.Channel = model.Channel(channel)
		if !consumedAt.IsZero() {
			t := consumedAt
			row.ConsumedAt = &t
		}
		rows = append(rows, row)
	}

	if err := iter.Close(); err != nil {
		return nil, err
	}
	return rows, nil
}
