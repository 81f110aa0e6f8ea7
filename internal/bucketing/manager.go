package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"otp-service/internal/config"
)

// Manager assigns stable partition buckets from identifier hashes so
// hot subjects spread across Scylla partitions.
type Manager struct {
	subjectBuckets int
	eventBuckets   int
	hasherPool     sync.Pool
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		subjectBuckets: cfg.Bucketing.SubjectBuckets,
		eventBuckets:   cfg.Bucketing.EventBuckets,
	}

	// Pool of hash functions to avoid allocation overhead
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return m
}

// SubjectBucket returns a consistent bucket for an identifier hash
// (0 to subjectBuckets-1). The same identifier always lands in the
// same bucket, so lookups need no scatter.
func (m *Manager) SubjectBucket(identifierHash string) int {
	return m.bucket(identifierHash, m.subjectBuckets)
}

// EventBucket returns a bucket for audit analytics partitioning.
func (m *Manager) EventBucket(key string) int {
	return m.bucket(key, m.eventBuckets)
}

// TimeBucket aligns a timestamp to the start of its window.
func (m *Manager) TimeBucket(windowSeconds int) int64 {
	return time.Now().Unix() / int64(windowSeconds) * int64(windowSeconds)
}

// DateBucket returns the UTC date partition key for analytics rows.
func (m *Manager) DateBucket() string {
	return time.Now().UTC().Format("2006-01-02")
}

func (m *Manager) bucket(key string, buckets int) int {
	if buckets <= 0 {
		return 0
	}

	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return int(hasher.Sum64() % uint64(buckets))
}
