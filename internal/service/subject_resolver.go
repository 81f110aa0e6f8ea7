package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"otp-service/internal/bucketing"
	"otp-service/internal/config"
	"otp-service/internal/encryption"
	"otp-service/internal/hashing"
	"otp-service/internal/model"
	"otp-service/internal/normalize"
	"otp-service/internal/repository/es"
	"otp-service/internal/util"
)

// SubjectResolver turns a canonical identifier into a subject. Lookup
// probes every configured legacy shape of the identifier; provisioning
// is atomic so concurrent first requests converge on one subject.
type SubjectResolver struct {
	store     model.SubjectStore
	index     *es.SubjectIndex
	encryptor *encryption.Manager
	buckets   *bucketing.Manager
	cfg       *config.Config
}

func NewSubjectResolver(cfg *config.Config, store model.SubjectStore, index *es.SubjectIndex, encryptor *encryption.Manager, buckets *bucketing.Manager) *SubjectResolver {
	return &SubjectResolver{
		store:     store,
		index:     index,
		encryptor: encryptor,
		buckets:   buckets,
		cfg:       cfg,
	}
}

// lookupHashes returns the identifier hashes to probe, canonical shape
// first.
func (r *SubjectResolver) lookupHashes(ident normalize.Identifier) []string {
	if ident.Type == model.IdentifierEmail {
		return []string{hashing.IdentifierHash(ident.Canonical)}
	}

	variants := normalize.LookupVariants(ident.Canonical, r.cfg.Otp.LegacyLookupShapes)
	hashes := make([]string, 0, len(variants))
	for _, v := range variants {
		hashes = append(hashes, hashing.IdentifierHash(v))
	}
	return hashes
}

// Resolve finds the subject owning the identifier, or provisions one
// when allowCreate is set. The returned bool reports whether a new
// subject was created, so the caller can compensate if downstream
// issuance fails.
func (r *SubjectResolver) Resolve(ctx context.Context, ident normalize.Identifier, allowCreate bool) (*model.Subject, bool, error) {
	hashes := r.lookupHashes(ident)

	subject, err := r.store.FindByIdentifierHashes(ctx, hashes)
	if err != nil {
		return nil, false, err
	}
	if subject != nil {
		return subject, false, nil
	}

	// Secondary path: the search mirror may still know an identifier
	// whose primary mapping row predates the current lookup shapes.
	if r.index != nil {
		bucket, subjectID, found, idxErr := r.index.FindSubjectRef(ctx, hashes)
		if idxErr != nil {
			util.Warn("Subject index fallback failed", zap.Error(idxErr))
		} else if found {
			subject, err = r.store.GetByID(ctx, bucket, subjectID)
			if err != nil {
				return nil, false, err
			}
			if subject != nil {
				return subject, false, nil
			}
		}
	}

	if !allowCreate {
		return nil, false, nil
	}

	return r.provision(ctx, ident, hashes[0])
}

func (r *SubjectResolver) provision(ctx context.Context, ident normalize.Identifier, primaryHash string) (*model.Subject, bool, error) {
	target, err := r.encryptor.EncryptTarget(ctx, ident.Canonical)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encrypt contact target: %w", err)
	}

	subject := &model.Subject{
		SubjectBucket:   r.buckets.SubjectBucket(primaryHash),
		IdentifierType:  ident.Type,
		IdentifierHash:  primaryHash,
		TargetEncrypted: target.Ciphertext,
		TargetDEK:       target.EncryptedDEK,
		TargetKeyID:     target.KeyID,
	}

	resolved, created, err := r.store.CreateIfAbsent(ctx, subject)
	if err != nil {
		return nil, false, err
	}

	if created && r.index != nil {
		r.index.Index(ctx, resolved)
	}

	return resolved, created, nil
}

// Compensate undoes a provisioning that could not be completed
// downstream. Best effort: a failed compensation only leaves a spare
// subject row, never a broken one.
func (r *SubjectResolver) Compensate(ctx context.Context, subject *model.Subject) {
	if err := r.store.Delete(ctx, subject); err != nil {
		util.Warn("Subject compensation failed",
			zap.String("subject_id", subject.SubjectID),
			zap.Error(err))
		return
	}
	if r.index != nil {
		r.index.Remove(ctx, subject)
	}
}

// DecryptTarget recovers the plaintext contact target for delivery.
func (r *SubjectResolver) DecryptTarget(ctx context.Context, subject *model.Subject) (string, error) {
	return r.encryptor.DecryptTarget(ctx, &encryption.EncryptedTarget{
		Ciphertext:   subject.TargetEncrypted,
		EncryptedDEK: subject.TargetDEK,
		KeyID:        subject.TargetKeyID,
	})
}
