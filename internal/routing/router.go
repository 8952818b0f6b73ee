// Package routing owns the sync/queued decision, locale fallback, and the
// static messageType -> templateKey table used for bus ingestion. Rendering
// itself is a collaborator behind the Resolver interface.
package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/notifyops/notify-core/internal/domain"
)

// RenderedMessage is the resolver output for one (templateKey, channel,
// locale) triple.
type RenderedMessage struct {
	Subject       string
	Body          string
	VariablesUsed []string
}

// Resolver is the template-rendering collaborator boundary. Implementations
// fail with domain.ErrTemplateNotFound or domain.ErrRenderError.
type Resolver interface {
	Render(ctx context.Context, templateKey string, channel domain.Channel, locale string, data map[string]any) (*RenderedMessage, error)
}

// Router resolves locales and message types for the dispatch core.
type Router struct {
	resolver      Resolver
	defaultLocale string
	messageTypes  map[string]string
}

func NewRouter(resolver Resolver, defaultLocale string) (*Router, error) {
	if resolver == nil {
		return nil, fmt.Errorf("template resolver is required")
	}
	defaultLocale = strings.TrimSpace(defaultLocale)
	if defaultLocale == "" {
		defaultLocale = "en"
	}

	return &Router{
		resolver:      resolver,
		defaultLocale: defaultLocale,
		messageTypes:  make(map[string]string),
	}, nil
}

// MapMessageType registers a static bus messageType -> templateKey mapping.
func (r *Router) MapMessageType(messageType, templateKey string) {
	messageType = strings.TrimSpace(messageType)
	templateKey = strings.TrimSpace(templateKey)
	if messageType == "" || templateKey == "" {
		return
	}
	r.messageTypes[strings.ToLower(messageType)] = templateKey
}

// TemplateKeyFor resolves a bus messageType to its template key.
func (r *Router) TemplateKeyFor(messageType string) (string, bool) {
	key, ok := r.messageTypes[strings.ToLower(strings.TrimSpace(messageType))]
	return key, ok
}

// LocaleCandidates returns the fallback chain: exact locale, language-only,
// configured default.
func (r *Router) LocaleCandidates(locale string) []string {
	candidates := make([]string, 0, 3)
	appendUnique := func(value string) {
		value = strings.TrimSpace(value)
		if value == "" {
			return
		}
		for _, existing := range candidates {
			if existing == value {
				return
			}
		}
		candidates = append(candidates, value)
	}

	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(locale)), "_", "-")
	appendUnique(normalized)
	if idx := strings.Index(normalized, "-"); idx > 0 {
		appendUnique(normalized[:idx])
	}
	appendUnique(r.defaultLocale)
	return candidates
}

// Render walks the locale fallback chain and returns the first rendered
// message plus the locale that matched. A RenderError stops the walk; only
// TemplateNotFound falls through to the next candidate.
func (r *Router) Render(ctx context.Context, templateKey string, channel domain.Channel, locale string, data map[string]any) (*RenderedMessage, string, error) {
	var lastErr error
	for _, candidate := range r.LocaleCandidates(locale) {
		rendered, err := r.resolver.Render(ctx, templateKey, channel, candidate, data)
		if err == nil {
			return rendered, candidate, nil
		}
		if !errors.Is(err, domain.ErrTemplateNotFound) {
			return nil, "", err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: template %q for channel %s", domain.ErrTemplateNotFound, templateKey, channel)
	}
	return nil, "", lastErr
}

// RequestFromEvent maps a bus envelope onto an immutable admission request.
func (r *Router) RequestFromEvent(envelope *domain.EventEnvelope) (*domain.NotificationRequest, error) {
	if err := envelope.Validate(); err != nil {
		return nil, err
	}

	templateKey := strings.TrimSpace(envelope.TemplateKey)
	if templateKey == "" {
		mapped, ok := r.TemplateKeyFor(envelope.MessageType)
		if !ok {
			return nil, fmt.Errorf("%w: unknown messageType %q", domain.ErrValidation, envelope.MessageType)
		}
		templateKey = mapped
	}

	priority := domain.PriorityNormal
	if strings.TrimSpace(envelope.Priority) != "" {
		parsed, err := domain.ParsePriorityFromString(envelope.Priority)
		if err != nil {
			return nil, err
		}
		priority = parsed
	}

	channels := make([]domain.Channel, 0, len(envelope.Channels))
	for _, raw := range envelope.Channels {
		ch, err := domain.ParseChannelFromString(raw)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}

	idempotencyKey := strings.TrimSpace(envelope.IdempotencyKey)
	if idempotencyKey == "" {
		// Bus producers that do not set a key still get exactly-once
		// admission per event.
		idempotencyKey = "event:" + envelope.EventID
	}

	req := &domain.NotificationRequest{
		Tenant:         envelope.Tenant,
		ServiceOrigin:  envelope.ServiceOrigin,
		UserID:         envelope.UserID,
		Channels:       channels,
		TemplateKey:    templateKey,
		Priority:       priority,
		CorrelationID:  envelope.CorrelationID,
		IdempotencyKey: idempotencyKey,
		Locale:         envelope.Metadata.Locale,
		Payload:        envelope.Data,
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}
