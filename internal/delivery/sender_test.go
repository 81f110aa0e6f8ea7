package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otp-service/internal/config"
	"otp-service/internal/model"
)

func smsRegistry(url, key string) *Registry {
	cfg := &config.Config{
		Delivery: config.DeliveryConfig{
			Timeout: 2 * time.Second,
			Brand:   "Storefront",
			SMSURL:  url,
			SMSKey:  key,
		},
	}
	return NewRegistry(cfg)
}

func TestHTTPSenderPostsPayload(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := smsRegistry(server.URL, "secret-key").Sender(model.ChannelSMS)
	require.NotNil(t, sender)

	err := sender.Send(context.Background(), "8801712345678", "123456", 3*time.Minute, "login", "Storefront")
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret-key", gotAuth)
	assert.Equal(t, "8801712345678", gotBody["to"])
	assert.Contains(t, gotBody["message"], "123456")
	assert.Contains(t, gotBody["message"], "Storefront")
}

func TestHTTPSenderClassifiesProviderRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid recipient", http.StatusBadRequest)
	}))
	defer server.Close()

	sender := smsRegistry(server.URL, "").Sender(model.ChannelSMS)

	err := sender.Send(context.Background(), "8801712345678", "123456", 3*time.Minute, "login", "Storefront")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderRejected)
	assert.Contains(t, err.Error(), "status=400")
}

func TestHTTPSenderTransportErrorIsNotRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing listening anymore

	sender := smsRegistry(server.URL, "").Sender(model.ChannelSMS)

	err := sender.Send(context.Background(), "8801712345678", "123456", 3*time.Minute, "login", "Storefront")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrProviderRejected)
}

func TestHTTPSenderUnconfiguredIsLogOnly(t *testing.T) {
	sender := smsRegistry("", "").Sender(model.ChannelSMS)

	err := sender.Send(context.Background(), "8801712345678", "123456", 3*time.Minute, "login", "Storefront")
	assert.NoError(t, err)
}
