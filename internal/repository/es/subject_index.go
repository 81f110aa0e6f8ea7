package es

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"otp-service/internal/client"
	"otp-service/internal/model"
	"otp-service/internal/util"
)

// SubjectIndex mirrors subject identifier mappings into Elasticsearch.
// It is a secondary lookup path only: indexing failures are logged and
// swallowed, and a search miss or error simply falls back to "not
// found". Scylla remains the source of truth.
type SubjectIndex struct {
	client *client.ESClient
	index  string
}

type subjectDocument struct {
	SubjectBucket  int    `json:"subject_bucket"`
	SubjectID      string `json:"subject_id"`
	IdentifierType string `json:"identifier_type"`
	IdentifierHash string `json:"identifier_hash"`
	CreatedAt      string `json:"created_at"`
}

type searchResult struct {
	Hits struct {
		Hits []struct {
			Source subjectDocument `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func NewSubjectIndex(esClient *client.ESClient, index string) *SubjectIndex {
	return &SubjectIndex{
		client: esClient,
		index:  index,
	}
}

// Index mirrors a subject's identifier mapping. Best effort.
func (s *SubjectIndex) Index(ctx context.Context, subject *model.Subject) {
	doc := subjectDocument{
		SubjectBucket:  subject.SubjectBucket,
		SubjectID:      subject.SubjectID,
		IdentifierType: string(subject.IdentifierType),
		IdentifierHash: subject.IdentifierHash,
		CreatedAt:      subject.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}

	res, err := s.client.IndexDocument(ctx, s.index, subject.IdentifierHash, doc)
	if err != nil {
		util.Warn("Failed to index subject identifier",
			zap.String("subject_id", subject.SubjectID),
			zap.Error(err))
		return
	}
	defer res.Body.Close()

	if res.IsError() {
		util.Warn("Subject identifier indexing rejected",
			zap.String("subject_id", subject.SubjectID),
			zap.String("status", res.Status()))
	}
}

// Remove drops the mirrored mapping, used when a subject create is
// compensated. Best effort.
func (s *SubjectIndex) Remove(ctx context.Context, subject *model.Subject) {
	res, err := s.client.DeleteDocument(ctx, s.index, subject.IdentifierHash)
	if err != nil {
		util.Warn("Failed to remove subject identifier from index",
			zap.String("subject_id", subject.SubjectID),
			zap.Error(err))
		return
	}
	res.Body.Close()
}

// FindSubjectRef searches the mirror for any of the hash variants and
// returns the owning (bucket, subject_id), or ("", ok=false) on miss.
func (s *SubjectIndex) FindSubjectRef(ctx context.Context, hashes []string) (int, string, bool, error) {
	if len(hashes) == 0 {
		return 0, "", false, nil
	}

	query := map[string]interface{}{
		"size": 1,
		"query": map[string]interface{}{
			"terms": map[string]interface{}{
				"identifier_hash": hashes,
			},
		},
	}

	res, err := s.client.Search(ctx, s.index, query)
	if err != nil {
		return 0, "", false, fmt.Errorf("subject index search failed: %w", err)
	}

	var result searchResult
	if err := s.client.ParseResponse(res, &result); err != nil {
		return 0, "", false, fmt.Errorf("subject index response parse failed: %w", err)
	}

	if len(result.Hits.Hits) == 0 {
		return 0, "", false, nil
	}

	doc := result.Hits.Hits[0].Source
	return doc.SubjectBucket, doc.SubjectID, true, nil
}
