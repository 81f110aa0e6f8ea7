package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/model"
	"otp-service/internal/util"
)

// Dispatcher fires deliveries on detached goroutines. The issuing
// request returns as soon as the ledger row is committed; delivery
// runs under its own timeout, decoupled from the caller's context.
// A failed delivery never touches the ledger: the code stays valid
// and the client may retry, which supersedes and redelivers.
type Dispatcher struct {
	registry *Registry
	audit    model.AuditSink
	timeout  time.Duration
	brand    string
	wg       sync.WaitGroup
}

func NewDispatcher(cfg *config.Config, registry *Registry, audit model.AuditSink) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		audit:    audit,
		timeout:  cfg.Delivery.Timeout,
		brand:    cfg.Delivery.Brand,
	}
}

// Dispatch sends the plaintext code to the destination in the
// background and returns immediately. The plaintext lives only inside
// the spawned goroutine.
func (d *Dispatcher) Dispatch(code *model.OtpCode, destination, plaintext string, ttl time.Duration) {
	sender := d.registry.Sender(code.Channel)
	if sender == nil {
		util.Warn("No delivery sender for channel",
			zap.String("channel", string(code.Channel)),
			zap.String("otp_id", code.OtpID))
		return
	}

	event := model.AuditEvent{
		SubjectID: code.SubjectID,
		Purpose:   code.Purpose,
		Channel:   code.Channel,
		OtpID:     code.OtpID,
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		err := sender.Send(ctx, destination, plaintext, ttl, code.Purpose, d.brand)
		switch {
		case err == nil:
			event.Event = model.AuditSent
			util.Info("Code delivered",
				zap.String("otp_id", code.OtpID),
				zap.String("channel", string(code.Channel)))
		case errors.Is(err, ErrProviderRejected):
			event.Event = model.AuditSendFailed
			event.Detail = err.Error()
			util.Warn("Delivery rejected by provider",
				zap.String("otp_id", code.OtpID),
				zap.String("channel", string(code.Channel)),
				zap.Error(err))
		default:
			event.Event = model.AuditSendError
			event.Detail = err.Error()
			util.Warn("Delivery attempt errored",
				zap.String("otp_id", code.OtpID),
				zap.String("channel", string(code.Channel)),
				zap.Error(err))
		}

		if d.audit != nil {
			d.audit.Record(event)
		}
	}()
}

// Wait blocks until all in-flight deliveries settle. Used on shutdown
// and in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
