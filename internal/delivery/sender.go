package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/model"
	"otp-service/internal/util"
)

// ErrProviderRejected marks a definitive provider-side refusal, as
// opposed to a transport error where the message may still be in
// flight.
var ErrProviderRejected = errors.New("delivery provider rejected message")

// Sender pushes one code to one destination over a single channel.
type Sender interface {
	Send(ctx context.Context, destination, code string, ttl time.Duration, purpose, brand string) error
}

type httpSender struct {
	channel  model.Channel
	url      string
	apiKey   string
	client   *http.Client
	template func(destination, code string, ttl time.Duration, purpose, brand string) map[string]interface{}
}

func (s *httpSender) Send(ctx context.Context, destination, code string, ttl time.Duration, purpose, brand string) error {
	if s.url == "" {
		// No provider configured: log-only mode for local development.
		util.Info("Delivery provider not configured, skipping send",
			zap.String("channel", string(s.channel)),
			zap.String("purpose", purpose))
		return nil
	}

	payload, err := json.Marshal(s.template(destination, code, ttl, purpose, brand))
	if err != nil {
		return fmt.Errorf("failed to marshal delivery payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivery request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status=%d body=%s", ErrProviderRejected, resp.StatusCode, string(body))
	}

	return nil
}

// Registry maps channels to their configured senders.
type Registry struct {
	senders map[model.Channel]Sender
}

func NewRegistry(cfg *config.Config) *Registry {
	httpClient := &http.Client{
		Timeout: cfg.Delivery.Timeout,
	}

	return &Registry{
		senders: map[model.Channel]Sender{
			model.ChannelEmail: &httpSender{
				channel: model.ChannelEmail,
				url:     cfg.Delivery.EmailURL,
				apiKey:  cfg.Delivery.EmailKey,
				client:  httpClient,
				template: func(destination, code string, ttl time.Duration, purpose, brand string) map[string]interface{} {
					return map[string]interface{}{
						"to":      destination,
						"subject": fmt.Sprintf("%s verification code", brand),
						"body":    fmt.Sprintf("Your %s code is %s. It expires in %d minutes.", brand, code, int(ttl.Minutes())),
						"purpose": purpose,
					}
				},
			},
			model.ChannelSMS: &httpSender{
				channel: model.ChannelSMS,
				url:     cfg.Delivery.SMSURL,
				apiKey:  cfg.Delivery.SMSKey,
				client:  httpClient,
				template: func(destination, code string, ttl time.Duration, purpose, brand string) map[string]interface{} {
					return map[string]interface{}{
						"to":      destination,
						"message": fmt.Sprintf("%s: %s is your verification code. Valid for %d minutes.", brand, code, int(ttl.Minutes())),
					}
				},
			},
			model.ChannelWhatsApp: &httpSender{
				channel: model.ChannelWhatsApp,
				url:     cfg.Delivery.WhatsAppURL,
				apiKey:  cfg.Delivery.WhatsAppKey,
				client:  httpClient,
				template: func(destination, code string, ttl time.Duration, purpose, brand string) map[string]interface{} {
					return map[string]interface{}{
						"to":       destination,
						"template": "otp_code",
						"params":   []string{code, fmt.Sprintf("%d", int(ttl.Minutes()))},
					}
				},
			},
		},
	}
}

// NewRegistryWithSenders builds a registry from explicit senders, for
// custom providers and tests.
func NewRegistryWithSenders(senders map[model.Channel]Sender) *Registry {
	return &Registry{senders: senders}
}

// Sender returns the sender for a channel, or nil when the channel has
// no provider.
func (r *Registry) Sender(channel model.Channel) Sender {
	return r.senders[channel]
}
