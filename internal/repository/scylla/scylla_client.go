package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/util"
)

// PreparedStatements holds prepared statements that are actually used by the repositories
type PreparedStatements struct {
	CreateSubject           *gocql.Query
	CreateIdentifierMapping *gocql.Query
	GetSubjectByIdentifier  *gocql.Query
	GetSubjectByID          *gocql.Query
	DeleteSubject           *gocql.Query
	DeleteIdentifierMapping *gocql.Query

	InsertOtp           *gocql.Query
	SelectOtpsForTuple  *gocql.Query
	SelectOtpsByPurpose *gocql.Query
	SupersedeOtp        *gocql.Query
	MarkOtpConsumed     *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 "/root/certs/ca.pem",
			CertPath:               "/root/certs/server.pem",
			KeyPath:                "/root/certs/server.key",
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.CreateSubject = s.Session.Query(`
        INSERT INTO subjects (
            subject_bucket, subject_id, identifier_type, identifier_hash,
            target_encrypted, target_dek, target_key_id, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	// LWT guard: exactly one subject wins per identifier hash under
	// concurrent provisioning.
	prepared.CreateIdentifierMapping = s.Session.Query(`
        INSERT INTO identifier_to_subject (identifier_hash, subject_bucket, subject_id, created_at)
        VALUES (?, ?, ?, ?) IF NOT EXISTS`)

	prepared.GetSubjectByIdentifier = s.Session.Query(`
        SELECT subject_bucket, subject_id FROM identifier_to_subject WHERE identifier_hash = ?`)

	prepared.GetSubjectByID = s.Session.Query(`
        SELECT subject_bucket, subject_id, identifier_type, identifier_hash,
            target_encrypted, target_dek, target_key_id, created_at, updated_at
        FROM subjects WHERE subject_bucket = ? AND subject_id = ?`)

	prepared.DeleteSubject = s.Session.Query(`
        DELETE FROM subjects WHERE subject_bucket = ? AND subject_id = ?`)

	prepared.DeleteIdentifierMapping = s.Session.Query(`
        DELETE FROM identifier_to_subject WHERE identifier_hash = ?`)

	prepared.InsertOtp = s.Session.Query(`
        INSERT INTO otp_codes (
            subject_bucket, subject_id, purpose, channel, otp_id,
            code_hash, code_salt, hash_algorithm, pepper_version,
            attempt_count, max_attempts, expires_at, consumed_at,
            created_at, fingerprint, idempotency_key
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.SelectOtpsForTuple = s.Session.Query(`
        SELECT subject_bucket, subject_id, purpose, channel, otp_id,
            code_hash, code_salt, hash_algorithm, pepper_version,
            attempt_count, max_attempts, expires_at, consumed_at,
            created_at, fingerprint, idempotency_key
        FROM otp_codes WHERE subject_bucket = ? AND subject_id = ? AND purpose = ? AND channel = ?`)

	prepared.SelectOtpsByPurpose = s.Session.Query(`
        SELECT subject_bucket, subject_id, purpose, channel, otp_id,
            code_hash, code_salt, hash_algorithm, pepper_version,
            attempt_count, max_attempts, expires_at, consumed_at,
            created_at, fingerprint, idempotency_key
        FROM otp_codes WHERE subject_bucket = ? AND subject_id = ? AND purpose = ?`)

	prepared.SupersedeOtp = s.Session.Query(`
        UPDATE otp_codes SET expires_at = ?
        WHERE subject_bucket = ? AND subject_id = ? AND purpose = ? AND channel = ? AND otp_id = ?`)

	prepared.MarkOtpConsumed = s.Session.Query(`
        UPDATE otp_codes SET consumed_at = ?
        WHERE subject_bucket = ? AND subject_id = ? AND purpose = ? AND channel = ? AND otp_id = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("Selected ScyllaDB prepared statements created successfully")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) Batch(typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			// A miss is an answer, not a transient fault.
			if err == gocql.ErrNotFound {
				return err
			}
			lastErr = err
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
