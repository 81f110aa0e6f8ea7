package service

import (
	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/delivery"
	"otp-service/internal/hashing"
	"otp-service/internal/model"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg        *config.Config
	ledger     model.OtpLedger
	resolver   *SubjectResolver
	locker     model.TupleLocker
	counter    model.RateCounter
	hasher     *hashing.Hasher
	dispatcher *delivery.Dispatcher
	audit      model.AuditSink
	logger     *zap.Logger

	rateLimiter *RateLimiter
	otpService  *OtpService
}

func NewServiceFactory(
	cfg *config.Config,
	ledger model.OtpLedger,
	resolver *SubjectResolver,
	locker model.TupleLocker,
	counter model.RateCounter,
	hasher *hashing.Hasher,
	dispatcher *delivery.Dispatcher,
	audit model.AuditSink,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:        cfg,
		ledger:     ledger,
		resolver:   resolver,
		locker:     locker,
		counter:    counter,
		hasher:     hasher,
		dispatcher: dispatcher,
		audit:      audit,
		logger:     logger,
	}
}

// RateLimiter returns the rate limiter instance (singleton)
func (f *ServiceFactory) RateLimiter() *RateLimiter {
	if f.rateLimiter == nil {
		f.rateLimiter = NewRateLimiter(f.cfg, f.counter)
	}
	return f.rateLimiter
}

// OtpService returns the issuance coordinator instance (singleton)
func (f *ServiceFactory) OtpService() *OtpService {
	if f.otpService == nil {
		f.otpService = NewOtpService(
			f.cfg,
			f.ledger,
			f.resolver,
			f.locker,
			f.RateLimiter(),
			f.hasher,
			f.dispatcher,
			f.audit,
		)
	}
	return f.otpService
}

// Cleanup drains in-flight deliveries.
func (f *ServiceFactory) Cleanup() {
	if f.dispatcher != nil {
		f.dispatcher.Wait()
	}
}
