package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"otp-service/internal/audit"
	"otp-service/internal/bucketing"
	"otp-service/internal/client"
	"otp-service/internal/config"
	"otp-service/internal/delivery"
	"otp-service/internal/encryption"
	"otp-service/internal/handler"
	"otp-service/internal/hashing"
	"otp-service/internal/model"
	"otp-service/internal/repository/es"
	redisrepo "otp-service/internal/repository/redis"
	"otp-service/internal/repository/scylla"
	"otp-service/internal/service"
	"otp-service/internal/tls"
	"otp-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.Manager
	bucketingManager  *bucketing.Manager

	// Repositories and pipelines
	subjectRepository *scylla.SubjectRepository
	otpLedger         *scylla.OtpLedgerRepository
	rateLimitCache    *redisrepo.RateLimitCache
	lockCache         *redisrepo.LockCache
	subjectIndex      *es.SubjectIndex
	auditTrail        *audit.Trail
	dispatcher        *delivery.Dispatcher

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		tlsConfig := &tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		}
		factory.tlsManager = tls.NewTLSManager(tlsConfig)
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializeManagers()
	factory.initializePipelines()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if client, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = client
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if client, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = client
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka
	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	// Elasticsearch
	if client, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
		util.Warn("Elasticsearch initialization failed - subject index fallback disabled", util.ErrorField(err))
	} else {
		f.esClient = client
		util.Info("Elasticsearch client initialized and healthy")
	}

	// ClickHouse
	if client, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		util.Warn("ClickHouse initialization failed - audit analytics disabled", util.ErrorField(err))
	} else {
		f.clickhouseClient = client
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			util.Warn("ClickHouse health check failed", util.ErrorField(err))
		} else {
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers() {
	f.hasher = hashing.NewHasher(f.config)

	var kmsClient *kms.Client
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			util.Warn("Failed to load AWS config, KMS disabled", util.ErrorField(err))
			f.config.KMS.Enabled = false
		} else {
			kmsClient = kms.NewFromConfig(awsCfg)
		}
	}

	f.encryptionManager = encryption.NewManager(f.config, kmsClient)
	f.bucketingManager = bucketing.NewManager(f.config)

	if f.config.IsProduction() {
		f.hasher.StartPepperRotation()
	}

	util.Info("Managers initialized successfully",
		util.Bool("hashing_initialized", f.hasher != nil),
		util.Bool("encryption_initialized", f.encryptionManager != nil),
		util.Bool("bucketing_initialized", f.bucketingManager != nil),
	)
}

// initializePipelines wires repositories, the audit trail, and the
// delivery dispatcher.
func (f *Factory) initializePipelines() {
	if f.scyllaClient != nil {
		f.subjectRepository = scylla.NewSubjectRepository(f.scyllaClient, util.Get())
		f.otpLedger = scylla.NewOtpLedgerRepository(f.scyllaClient, util.Get())
	}
	if f.redisClient != nil {
		f.rateLimitCache = redisrepo.NewRateLimitCache(f.redisClient)
		f.lockCache = redisrepo.NewLockCache(f.redisClient)
	}
	if f.esClient != nil {
		f.subjectIndex = es.NewSubjectIndex(f.esClient, f.config.Elasticsearch.SubjectIndex)
	}

	f.auditTrail = audit.NewTrail(f.config, f.kafkaProducer, f.clickhouseClient)
	f.dispatcher = delivery.NewDispatcher(f.config, delivery.NewRegistry(f.config), f.auditTrail)
}

// ServiceFactory wires and returns the service layer (singleton)
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		resolver := service.NewSubjectResolver(
			f.config,
			f.subjectRepository,
			f.subjectIndex,
			f.encryptionManager,
			f.bucketingManager,
		)
		// A typed nil would defeat the limiter's fail-open nil check.
		var counter model.RateCounter
		if f.rateLimitCache != nil {
			counter = f.rateLimitCache
		}

		f.serviceFactory = service.NewServiceFactory(
			f.config,
			f.otpLedger,
			resolver,
			f.lockCache,
			counter,
			f.hasher,
			f.dispatcher,
			f.auditTrail,
			util.Get(),
		)
	}
	return f.serviceFactory
}

// NewRouter builds the HTTP router over the service layer.
func (f *Factory) NewRouter() *handler.OtpHandler {
	return handler.NewOtpHandler(f.ServiceFactory().OtpService(), util.Get())
}

// HealthCheck probes every initialized dependency.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	if f.hasher == nil {
		healthErrors["hasher"] = fmt.Errorf("hasher not initialized")
	}
	if f.encryptionManager == nil {
		healthErrors["encryption"] = fmt.Errorf("encryption manager not initialized")
	}
	if f.bucketingManager == nil {
		healthErrors["bucketing"] = fmt.Errorf("bucketing manager not initialized")
	}

	return healthErrors
}

// IsHealthy reports overall health, treating streaming and analytics
// sinks as optional.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	delete(healthErrors, "elasticsearch")
	delete(healthErrors, "clickhouse")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
			util.Info("Service factory cleaned up")
		}

		if f.auditTrail != nil {
			f.auditTrail.Close()
			util.Info("Audit trail drained")
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption manager cache cleared")
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) ScyllaClient() *scylla.ScyllaClient {
	return f.scyllaClient
}

func (f *Factory) Hasher() *hashing.Hasher {
	return f.hasher
}

func (f *Factory) EncryptionManager() *encryption.Manager {
	return f.encryptionManager
}

func (f *Factory) BucketingManager() *bucketing.Manager {
	return f.bucketingManager
}

func (f *Factory) AuditTrail() *audit.Trail {
	return f.auditTrail
}
