package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"otp-service/internal/model"
	"otp-service/internal/util"
)

// SubjectRepository persists subjects in two tables: the subjects table
// keyed by (bucket, id) and an identifier_to_subject mapping guarded by
// an LWT so concurrent provisioning yields exactly one winner.
type SubjectRepository struct {
	client *ScyllaClient
}

func NewSubjectRepository(client *ScyllaClient, logger *zap.Logger) *SubjectRepository {
	return &SubjectRepository{
		client: client,
	}
}

// FindByIdentifierHash looks up a subject through the identifier
// mapping. Returns (nil, nil) when no subject owns the hash.
func (r *SubjectRepository) FindByIdentifierHash(ctx context.Context, hash string) (*model.Subject, error) {
	var bucket int
	var subjectID string

	query := r.client.Prepared.GetSubjectByIdentifier.Bind(hash).WithContext(ctx)
	err := r.client.ScanWithRetry(query, &bucket, &subjectID)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		util.Error("Failed to resolve identifier mapping", zap.Error(err))
		return nil, fmt.Errorf("failed to resolve identifier mapping: %w", err)
	}

	return r.GetByID(ctx, bucket, subjectID)
}

// FindByIdentifierHashes probes several hash variants concurrently and
// returns the first subject found. Variants map at most to one subject,
// so any hit is the answer.
func (r *SubjectRepository) FindByIdentifierHashes(ctx context.Context, hashes []string) (*model.Subject, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	if len(hashes) == 1 {
		return r.FindByIdentifierHash(ctx, hashes[0])
	}

	var (
		mu    sync.Mutex
		found *model.Subject
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range hashes {
		hash := h
		g.Go(func() error {
			subject, err := r.FindByIdentifierHash(gctx, hash)
			if err != nil {
				return err
			}
			if subject != nil {
				mu.Lock()
				if found == nil {
					found = subject
				}
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return found, nil
}

// CreateIfAbsent provisions a subject atomically. The identifier
// mapping is claimed first with an LWT; the loser of a concurrent race
// gets the winner's subject back with created=false. If the follow-up
// subject insert fails, the claimed mapping is released so the
// identifier is not left pointing at a row that does not exist.
func (r *SubjectRepository) CreateIfAbsent(ctx context.Context, subject *model.Subject) (*model.Subject, bool, error) {
	if subject.SubjectID == "" {
		subject.SubjectID = uuid.New().String()
	}

	now := time.Now().UTC()
	subject.CreatedAt = now
	subject.UpdatedAt = now

	var existingBucket int
	var existingHash, existingID string
	var existingCreatedAt time.Time

	applied, err := r.client.Prepared.CreateIdentifierMapping.
		Bind(subject.IdentifierHash, subject.SubjectBucket, subject.SubjectID, now).
		WithContext(ctx).
		ScanCAS(&existingHash, &existingBucket, &existingCreatedAt, &existingID)
	if err != nil {
		util.Error("Failed to claim identifier mapping",
			zap.String("subject_id", subject.SubjectID),
			zap.Error(err))
		return nil, false, fmt.Errorf("failed to claim identifier mapping: %w", err)
	}

	if !applied {
		winner, err := r.GetByID(ctx, existingBucket, existingID)
		if err != nil {
			return nil, false, err
		}
		if winner == nil {
			return nil, false, fmt.Errorf("identifier mapping points at missing subject %s", existingID)
		}
		return winner, false, nil
	}

	insert := r.client.Prepared.CreateSubject.Bind(
		subject.SubjectBucket, subject.SubjectID, string(subject.IdentifierType),
		subject.IdentifierHash, subject.TargetEncrypted, subject.TargetDEK,
		subject.TargetKeyID, subject.CreatedAt, subject.UpdatedAt).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(insert, 2); err != nil {
		util.Error("Failed to insert subject, releasing identifier mapping",
			zap.String("subject_id", subject.SubjectID),
			zap.Error(err))
		release := r.client.Prepared.DeleteIdentifierMapping.
			Bind(subject.IdentifierHash).WithContext(ctx)
		if relErr := r.client.ExecuteWithRetry(release, 2); relErr != nil {
			util.Error("Failed to release identifier mapping after insert failure",
				zap.String("identifier_hash", subject.IdentifierHash),
				zap.Error(relErr))
		}
		return nil, false, fmt.Errorf("failed to insert subject: %w", err)
	}

	util.Info("Subject created",
		zap.String("subject_id", subject.SubjectID),
		zap.Int("subject_bucket", subject.SubjectBucket),
		zap.String("identifier_type", string(subject.IdentifierType)))

	return subject, true, nil
}

// Delete removes both the subject row and its identifier mapping. Used
// as compensation when provisioning cannot be completed downstream.
func (r *SubjectRepository) Delete(ctx context.Context, subject *model.Subject) error {
	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.DeleteSubject.Statement(),
		subject.SubjectBucket, subject.SubjectID)
	batch.Query(r.client.Prepared.DeleteIdentifierMapping.Statement(),
		subject.IdentifierHash)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to delete subject",
			zap.String("subject_id", subject.SubjectID),
			zap.Error(err))
		return fmt.Errorf("failed to delete subject: %w", err)
	}

	util.Info("Subject deleted", zap.String("subject_id", subject.SubjectID))
	return nil
}

// GetByID fetches a subject row directly, used when a secondary index
// hands back a (bucket, id) reference. Returns (nil, nil) on miss.
func (r *SubjectRepository) GetByID(ctx context.Context, bucket int, subjectID string) (*model.Subject, error) {
	subject := &model.Subject{}
	var identifierType string

	query := r.client.Prepared.GetSubjectByID.Bind(bucket, subjectID).WithContext(ctx)
	err := r.client.ScanWithRetry(query,
		&subject.SubjectBucket, &subject.SubjectID, &identifierType,
		&subject.IdentifierHash, &subject.TargetEncrypted, &subject.TargetDEK,
		&subject.TargetKeyID, &subject.CreatedAt, &subject.UpdatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		util.Error("Failed to get subject by ID",
			zap.String("subject_id", subjectID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get subject by ID: %w", err)
	}

	subject.IdentifierType = model.IdentifierType(identifierType)
	return subject, nil
}
