package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultWebhookTimeout = 10 * time.Second

type webhookRequest struct {
	To             string `json:"to"`
	Channel        string `json:"channel"`
	Subject        string `json:"subject,omitempty"`
	Content        string `json:"content"`
	NotificationID string `json:"notificationId"`
	CorrelationID  string `json:"correlationId,omitempty"`
}

// WebhookAdapter sends notifications to an HTTP provider endpoint. One
// instance per provider; the dispatcher picks primary or secondary per
// channel.
type WebhookAdapter struct {
	name     string
	client   *resty.Client
	endpoint string
	unitCost float64
}

func NewWebhookAdapter(name, endpoint string, unitCost float64) (*WebhookAdapter, error) {
	client := resty.New()
	client.SetTimeout(defaultWebhookTimeout)
	client.SetRetryCount(0)

	return NewWebhookAdapterWithClient(name, endpoint, unitCost, client)
}

func NewWebhookAdapterWithClient(name, endpoint string, unitCost float64, client *resty.Client) (*WebhookAdapter, error) {
	trimmedName := strings.TrimSpace(name)
	if trimmedName == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("provider endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid provider endpoint: %w", err)
	}
	if unitCost < 0 {
		return nil, fmt.Errorf("unit cost must not be negative")
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultWebhookTimeout)
	}
	// Retries are owned by the retry scheduler, never by the HTTP client.
	client.SetRetryCount(0)

	return &WebhookAdapter{
		name:     trimmedName,
		client:   client,
		endpoint: trimmedEndpoint,
		unitCost: unitCost,
	}, nil
}

func (a *WebhookAdapter) Name() string { return a.name }

func (a *WebhookAdapter) UnitCost() float64 { return a.unitCost }

func (a *WebhookAdapter) Send(ctx context.Context, msg Message) (*Response, error) {
	if a == nil || a.client == nil {
		return nil, fmt.Errorf("adapter is not initialized")
	}
	if strings.TrimSpace(msg.Destination) == "" {
		return nil, &ProviderError{
			Code:    "missing_destination",
			Message: "destination is required",
		}
	}

	reqBody := webhookRequest{
		To:             msg.Destination,
		Channel:        strings.ToLower(msg.Channel.String()),
		Subject:        msg.Subject,
		Content:        msg.Body,
		NotificationID: msg.NotificationID,
		CorrelationID:  msg.CorrelationID,
	}

	response, err := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Correlation-ID", msg.CorrelationID).
		SetBody(reqBody).
		Post(a.endpoint)
	if err != nil {
		return nil, &ProviderError{
			Message:   "provider request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &ProviderError{
			Message:   "provider returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &Response{
			StatusCode: statusCode,
			Body:       responseBody,
			MessageID:  providerMessageID(response),
		}, nil
	}

	return nil, &ProviderError{
		StatusCode: statusCode,
		Code:       fmt.Sprintf("http_%d", statusCode),
		Message:    providerErrorMessage(statusCode, responseBody),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func providerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func providerMessageID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Message-ID", "X-Message-Id", "X-Request-ID", "X-Request-Id"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}
