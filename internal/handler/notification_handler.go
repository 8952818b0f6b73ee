package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/notifyops/notify-core/internal/domain"
	"github.com/notifyops/notify-core/internal/repository"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100

	headerOverrideToken = "X-Override-Token"
	headerIdempotency   = "Idempotency-Key"
)

// AdmissionService is the admission surface exposed over HTTP.
type AdmissionService interface {
	Admit(ctx context.Context, req *domain.NotificationRequest, override *domain.OverrideCommand) (*domain.AdmissionResult, error)
	GetByID(ctx context.Context, id string) (*domain.QueuedNotification, error)
	Attempts(ctx context.Context, id string) ([]domain.DeliveryAttempt, error)
	Cancel(ctx context.Context, id string) error
	List(ctx context.Context, params repository.ListParams) ([]domain.QueuedNotification, int64, error)
}

// EventMapper turns inbound bus-style envelopes into admission requests.
type EventMapper interface {
	RequestFromEvent(envelope *domain.EventEnvelope) (*domain.NotificationRequest, error)
}

type NotificationHandler struct {
	service AdmissionService
	mapper  EventMapper
}

func NewNotificationHandler(service AdmissionService, mapper EventMapper) (*NotificationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("admission service is required")
	}
	if mapper == nil {
		return nil, fmt.Errorf("event mapper is required")
	}
	return &NotificationHandler{service: service, mapper: mapper}, nil
}

func RegisterNotificationRoutes(router fiber.Router, service AdmissionService, mapper EventMapper) error {
	h, err := NewNotificationHandler(service, mapper)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/notifications", h.SendNotification)
	v1.Post("/events", h.IngestEvent)
	v1.Get("/notifications/:id", h.GetNotification)
	v1.Get("/notifications/:id/attempts", h.GetAttempts)
	v1.Post("/notifications/:id/cancel", h.CancelNotification)
	v1.Get("/notifications", h.ListNotifications)

	return nil
}

type sendNotificationRequest struct {
	Tenant         string            `json:"tenant"`
	ServiceOrigin  string            `json:"serviceOrigin"`
	UserID         string            `json:"userId"`
	Channels       []string          `json:"channels"`
	TemplateKey    string            `json:"templateKey"`
	Priority       string            `json:"priority"`
	Synchronous    bool              `json:"synchronous"`
	CorrelationID  string            `json:"correlationId"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Locale         string            `json:"locale"`
	Payload        map[string]any    `json:"payload"`
	Destinations   map[string]string `json:"destinations"`
	ScheduledAt    *time.Time        `json:"scheduledAt"`
	Override       *overrideRequest  `json:"override,omitempty"`
}

type overrideRequest struct {
	Token     string    `json:"token"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type admissionResponse struct {
	NotificationID   string                                   `json:"notificationId"`
	Status           string                                   `json:"status"`
	Replay           bool                                     `json:"replay,omitempty"`
	Channels         map[domain.Channel]domain.ChannelOutcome `json:"channels,omitempty"`
	ProcessingMillis int64                                    `json:"processingMillis,omitempty"`
}

type notificationResponse struct {
	ID              string                                   `json:"id"`
	Tenant          string                                   `json:"tenant"`
	ServiceOrigin   string                                   `json:"serviceOrigin"`
	UserID          string                                   `json:"userId,omitempty"`
	Channels        []domain.Channel                         `json:"channels"`
	TemplateKey     string                                   `json:"templateKey"`
	Priority        string                                   `json:"priority"`
	CorrelationID   string                                   `json:"correlationId"`
	IdempotencyKey  string                                   `json:"idempotencyKey"`
	Locale          string                                   `json:"locale,omitempty"`
	Status          string                                   `json:"status"`
	Attempts        int                                      `json:"attempts"`
	MaxAttempts     int                                      `json:"maxAttempts"`
	ScheduledAt     *time.Time                               `json:"scheduledAt,omitempty"`
	NextAttemptAt   *time.Time                               `json:"nextAttemptAt,omitempty"`
	LastErrorKind   string                                   `json:"lastErrorKind,omitempty"`
	LastErrorDetail string                                   `json:"lastErrorDetail,omitempty"`
	ChannelOutcomes map[domain.Channel]domain.ChannelOutcome `json:"channelOutcomes,omitempty"`
	CreatedAt       time.Time                                `json:"createdAt"`
	UpdatedAt       time.Time                                `json:"updatedAt"`
}

type attemptResponse struct {
	ID            string    `json:"id"`
	AttemptNumber int       `json:"attemptNumber"`
	Status        string    `json:"status"`
	ErrorKind     string    `json:"errorKind,omitempty"`
	ErrorDetail   string    `json:"errorDetail,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type listNotificationsResponse struct {
	Data []notificationResponse `json:"data"`
	Meta listMeta               `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *NotificationHandler) SendNotification(c *fiber.Ctx) error {
	var req sendNotificationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	domainReq, err := toDomainRequest(req, c)
	if err != nil {
		return err
	}

	override, err := toOverrideCommand(req.Override, c)
	if err != nil {
		return err
	}

	result, err := h.service.Admit(c.Context(), domainReq, override)
	if err != nil {
		return err
	}

	return c.Status(admissionStatusCode(result, domainReq.Synchronous)).JSON(toAdmissionResponse(result))
}

func (h *NotificationHandler) IngestEvent(c *fiber.Ctx) error {
	var envelope domain.EventEnvelope
	if err := c.BodyParser(&envelope); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid event body")
	}

	req, err := h.mapper.RequestFromEvent(&envelope)
	if err != nil {
		return err
	}

	// The HTTP event surface mirrors bus ingestion: no override capability.
	result, err := h.service.Admit(c.Context(), req, nil)
	if err != nil {
		return err
	}

	return c.Status(admissionStatusCode(result, false)).JSON(toAdmissionResponse(result))
}

func (h *NotificationHandler) GetNotification(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	notification, err := h.service.GetByID(c.Context(), id)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusOK).JSON(toNotificationResponse(notification))
}

func (h *NotificationHandler) GetAttempts(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if _, err := h.service.GetByID(c.Context(), id); err != nil {
		return err
	}

	attempts, err := h.service.Attempts(c.Context(), id)
	if err != nil {
		return err
	}

	responses := make([]attemptResponse, 0, len(attempts))
	for _, attempt := range attempts {
		responses = append(responses, attemptResponse{
			ID:            attempt.ID,
			AttemptNumber: attempt.AttemptNumber,
			Status:        attempt.Status.String(),
			ErrorKind:     attempt.ErrorKind,
			ErrorDetail:   attempt.ErrorDetail,
			CreatedAt:     attempt.CreatedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"notificationId": id,
		"attempts":       responses,
	})
}

func (h *NotificationHandler) CancelNotification(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if err := h.service.Cancel(c.Context(), id); err != nil {
		return err
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"notificationId": id,
		"status":         domain.StatusCanceled.String(),
	})
}

func (h *NotificationHandler) ListNotifications(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return err
	}

	notifications, total, err := h.service.List(c.Context(), params)
	if err != nil {
		return err
	}

	responses := make([]notificationResponse, 0, len(notifications))
	for i := range notifications {
		responses = append(responses, toNotificationResponse(&notifications[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listNotificationsResponse{
		Data: responses,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Tenant:   strings.TrimSpace(c.Query("tenant")),
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	if rawChannel := strings.TrimSpace(c.Query("channel")); rawChannel != "" {
		channel, err := domain.ParseChannelFromString(rawChannel)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Channel = &channel
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return repository.ListParams{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return repository.ListParams{}, err
	}
	params.From = from
	params.To = to

	return params, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func toDomainRequest(req sendNotificationRequest, c *fiber.Ctx) (*domain.NotificationRequest, error) {
	channels := make([]domain.Channel, 0, len(req.Channels))
	for _, raw := range req.Channels {
		ch, err := domain.ParseChannelFromString(raw)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}

	priority := domain.PriorityNormal
	if strings.TrimSpace(req.Priority) != "" {
		parsed, err := domain.ParsePriorityFromString(req.Priority)
		if err != nil {
			return nil, err
		}
		priority = parsed
	}

	destinations := make(map[domain.Channel]string, len(req.Destinations))
	for raw, dest := range req.Destinations {
		ch, err := domain.ParseChannelFromString(raw)
		if err != nil {
			return nil, err
		}
		destinations[ch] = strings.TrimSpace(dest)
	}

	idempotencyKey := strings.TrimSpace(req.IdempotencyKey)
	if idempotencyKey == "" {
		idempotencyKey = strings.TrimSpace(c.Get(headerIdempotency))
	}

	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		correlationID = requestCorrelationID(c)
	}

	return &domain.NotificationRequest{
		Tenant:         strings.TrimSpace(req.Tenant),
		ServiceOrigin:  strings.TrimSpace(req.ServiceOrigin),
		UserID:         strings.TrimSpace(req.UserID),
		Channels:       channels,
		TemplateKey:    strings.TrimSpace(req.TemplateKey),
		Priority:       priority,
		Synchronous:    req.Synchronous,
		CorrelationID:  correlationID,
		IdempotencyKey: idempotencyKey,
		Locale:         strings.TrimSpace(req.Locale),
		Payload:        req.Payload,
		Destinations:   destinations,
		ScheduledAt:    req.ScheduledAt,
	}, nil
}

// toOverrideCommand builds the override capability. The token may arrive in
// the body or the X-Override-Token header.
func toOverrideCommand(req *overrideRequest, c *fiber.Ctx) (*domain.OverrideCommand, error) {
	headerToken := strings.TrimSpace(c.Get(headerOverrideToken))
	if req == nil {
		if headerToken != "" {
			return nil, fmt.Errorf("%w: override token requires an override block with actor, reason and expiresAt", domain.ErrValidation)
		}
		return nil, nil
	}

	token := strings.TrimSpace(req.Token)
	if token == "" {
		token = headerToken
	}

	return &domain.OverrideCommand{
		Token:     token,
		Actor:     strings.TrimSpace(req.Actor),
		Reason:    strings.TrimSpace(req.Reason),
		ExpiresAt: req.ExpiresAt,
	}, nil
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func admissionStatusCode(result *domain.AdmissionResult, synchronous bool) int {
	if result.Replay || synchronous {
		return fiber.StatusOK
	}
	return fiber.StatusAccepted
}

func toAdmissionResponse(result *domain.AdmissionResult) admissionResponse {
	return admissionResponse{
		NotificationID:   result.NotificationID,
		Status:           result.Status.String(),
		Replay:           result.Replay,
		Channels:         result.Channels,
		ProcessingMillis: result.ProcessingMillis,
	}
}

func toNotificationResponse(n *domain.QueuedNotification) notificationResponse {
	if n == nil {
		return notificationResponse{}
	}

	return notificationResponse{
		ID:              n.ID,
		Tenant:          n.Tenant,
		ServiceOrigin:   n.ServiceOrigin,
		UserID:          n.UserID,
		Channels:        n.Channels,
		TemplateKey:     n.TemplateKey,
		Priority:        n.Priority.String(),
		CorrelationID:   n.CorrelationID,
		IdempotencyKey:  n.IdempotencyKey,
		Locale:          n.Locale,
		Status:          n.Status.String(),
		Attempts:        n.Attempts,
		MaxAttempts:     n.MaxAttempts,
		ScheduledAt:     n.ScheduledAt,
		NextAttemptAt:   n.NextAttemptAt,
		LastErrorKind:   n.LastErrorKind,
		LastErrorDetail: n.LastErrorDetail,
		ChannelOutcomes: n.ChannelOutcomes,
		CreatedAt:       n.CreatedAt,
		UpdatedAt:       n.UpdatedAt,
	}
}
