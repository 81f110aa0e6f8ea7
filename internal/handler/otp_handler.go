package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"otp-service/internal/model"
	"otp-service/internal/normalize"
	"otp-service/internal/service"
	"otp-service/internal/util"
)

// OtpHandler handles HTTP requests for OTP issuance
type OtpHandler struct {
	otpService *service.OtpService
	logger     *zap.Logger
}

func NewOtpHandler(otpService *service.OtpService, logger *zap.Logger) *OtpHandler {
	return &OtpHandler{
		otpService: otpService,
		logger:     logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// OtpRequestBody is the issuance request surface
type OtpRequestBody struct {
	Identifier     string `json:"identifier"`
	Purpose        string `json:"purpose"`
	Channel        string `json:"channel,omitempty"`
	Action         string `json:"action,omitempty"`
	ForceNew       bool   `json:"force_new,omitempty"`
	AllowNew       bool   `json:"allow_new,omitempty"`
	TTLSeconds     int    `json:"ttl_seconds,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// OtpResponseData is what callers get back. Never the code itself.
type OtpResponseData struct {
	Status                string        `json:"status"`
	OtpID                 string        `json:"otp_id,omitempty"`
	Purpose               string        `json:"purpose,omitempty"`
	Channel               model.Channel `json:"channel,omitempty"`
	NormalizedIdentifier  string        `json:"normalized_identifier,omitempty"`
	Delivery              string        `json:"delivery,omitempty"`
	TTLSeconds            int           `json:"ttl_seconds,omitempty"`
	ExpiresAt             *time.Time    `json:"expires_at,omitempty"`
	ServerNow             time.Time     `json:"server_now"`
	ResendCooldownSeconds int           `json:"resend_cooldown_seconds,omitempty"`
	ExpiredCount          int           `json:"expired_count,omitempty"`
	RateBypassed          bool          `json:"rate_limit_bypassed,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(code, message string) Response {
	return Response{
		Success: false,
		Error:   code,
		Message: message,
	}
}

// RegisterRoutes registers all OTP routes
func (h *OtpHandler) RegisterRoutes(router chi.Router) {
	router.Route("/otp", func(r chi.Router) {
		r.Post("/request", h.RequestOtp)
	})
}

// RequestOtp handles issuance, reuse, and the expire action
// @Summary Request an OTP
// @Description Issue or reuse a one-time code for an identifier and purpose
// @Tags otp
// @Accept json
// @Produce json
// @Param request body OtpRequestBody true "OTP request"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 404 {object} Response
// @Failure 409 {object} Response
// @Failure 429 {object} Response
// @Failure 500 {object} Response
// @Router /otp/request [post]
func (h *OtpHandler) RequestOtp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var body OtpRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondWithJSON(w, http.StatusBadRequest,
			errorResponse("OTP_INVALID_REQUEST", "Invalid request body"))
		return
	}

	input := service.IssueInput{
		Identifier:     util.SanitizeInput(body.Identifier),
		Purpose:        util.SanitizeInput(body.Purpose),
		Channel:        body.Channel,
		Action:         body.Action,
		ForceNew:       body.ForceNew,
		AllowNew:       body.AllowNew,
		TTLSeconds:     body.TTLSeconds,
		IdempotencyKey: body.IdempotencyKey,
		ClientIP:       r.RemoteAddr,
	}

	result, err := h.otpService.RequestOtp(ctx, input)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	data := OtpResponseData{
		Status:               result.Status,
		NormalizedIdentifier: result.Identifier,
		ServerNow:            time.Now().UTC(),
		ExpiredCount:         result.ExpiredCount,
		RateBypassed:         result.RateBypassed,
	}
	if result.Otp != nil {
		expiresAt := result.Otp.ExpiresAt
		data.OtpID = result.Otp.OtpID
		data.Purpose = result.Otp.Purpose
		data.Channel = result.Otp.Channel
		data.ExpiresAt = &expiresAt
		data.TTLSeconds = int(time.Until(expiresAt).Seconds())
		data.ResendCooldownSeconds = int(result.ResendCooldown.Seconds())
		data.Delivery = result.Delivery
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(data, "OTP request processed"))
	h.logger.Info("OTP request processed via HTTP",
		util.String("status", result.Status),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "RequestOtp"),
	)
}

func (h *OtpHandler) respondWithServiceError(w http.ResponseWriter, err error) {
	var rateErr *service.RateLimitedError
	if errors.As(err, &rateErr) {
		retryAfter := int(rateErr.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.respondWithJSON(w, http.StatusTooManyRequests,
			errorResponse("OTP_RATE_LIMITED", "Too many requests, slow down"))
		return
	}

	code, status, message := h.classifyError(err)
	h.respondWithJSON(w, status, errorResponse(code, message))
}

func (h *OtpHandler) classifyError(err error) (string, int, string) {
	var targetErr *service.TargetMissingError

	switch {
	case errors.Is(err, normalize.ErrInvalidPurpose):
		return "OTP_INVALID_PURPOSE", http.StatusBadRequest, "Purpose not recognized"
	case errors.Is(err, normalize.ErrIdentifierRequired):
		return "OTP_IDENTIFIER_REQUIRED", http.StatusBadRequest, "A valid phone or email identifier is required"
	case errors.Is(err, normalize.ErrChannelUnsupported):
		return "OTP_CHANNEL_UNSUPPORTED", http.StatusBadRequest, "Requested delivery channel is not supported"
	case errors.Is(err, service.ErrInvalidTTL):
		return "OTP_INVALID_TTL", http.StatusBadRequest, "Requested TTL is outside the allowed window"
	case errors.Is(err, service.ErrInvalidAction):
		return "OTP_INVALID_ACTION", http.StatusBadRequest, "Unsupported action"
	case errors.Is(err, service.ErrUserNotFound):
		return "OTP_USER_NOT_FOUND", http.StatusNotFound, "No subject exists for this identifier"
	case errors.As(err, &targetErr):
		switch targetErr.Channel {
		case model.ChannelEmail:
			return "OTP_EMAIL_TARGET_MISSING", http.StatusBadRequest, "Subject has no email target"
		case model.ChannelWhatsApp:
			return "OTP_WHATSAPP_TARGET_MISSING", http.StatusBadRequest, "Subject has no WhatsApp target"
		default:
			return "OTP_PHONE_TARGET_MISSING", http.StatusBadRequest, "Subject has no phone target"
		}
	case errors.Is(err, service.ErrTargetMissing):
		return "OTP_TARGET_MISSING", http.StatusBadRequest, "Subject has no contact target for the requested channel"
	case errors.Is(err, service.ErrBusyRetry):
		return "OTP_BUSY_RETRY", http.StatusConflict, "Another request is issuing a code for this subject, retry shortly"
	default:
		h.logger.Error("OTP request failed", util.ErrorField(err))
		return "OTP_REQUEST_FAILED", http.StatusInternalServerError, "Internal error"
	}
}

func (h *OtpHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}
