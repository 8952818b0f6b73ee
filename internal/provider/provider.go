package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/notifyops/notify-core/internal/domain"
)

// Message is the rendered payload handed to an adapter. CorrelationID and
// NotificationID are propagated unchanged on every outbound call.
type Message struct {
	NotificationID string
	CorrelationID  string
	Channel        domain.Channel
	Destination    string
	Subject        string
	Body           string
}

// Response stores provider call metadata for audit and persistence.
type Response struct {
	StatusCode int
	Body       string
	MessageID  string
}

// Adapter is the uniform outbound delivery port, one per provider endpoint.
// The attempt deadline arrives through ctx.
type Adapter interface {
	Name() string
	UnitCost() float64
	Send(ctx context.Context, msg Message) (*Response, error)
}

// Registry maps each channel to its primary adapter and an optional
// secondary used when the primary's circuit is open.
type Registry struct {
	primary   map[domain.Channel]Adapter
	secondary map[domain.Channel]Adapter
}

func NewRegistry() *Registry {
	return &Registry{
		primary:   make(map[domain.Channel]Adapter),
		secondary: make(map[domain.Channel]Adapter),
	}
}

func (r *Registry) SetPrimary(ch domain.Channel, adapter Adapter) {
	r.primary[ch] = adapter
}

func (r *Registry) SetSecondary(ch domain.Channel, adapter Adapter) {
	r.secondary[ch] = adapter
}

// Primary returns the primary adapter for the channel.
func (r *Registry) Primary(ch domain.Channel) (Adapter, error) {
	adapter, ok := r.primary[ch]
	if !ok || adapter == nil {
		return nil, fmt.Errorf("no provider configured for channel %s", ch)
	}
	return adapter, nil
}

// Secondary returns the failover adapter for the channel, nil when none is
// configured.
func (r *Registry) Secondary(ch domain.Channel) Adapter {
	return r.secondary[ch]
}

// Names lists every registered adapter name, for health reporting.
func (r *Registry) Names() []string {
	seen := make(map[string]struct{})
	names := make([]string, 0, len(r.primary)+len(r.secondary))
	for _, adapters := range []map[domain.Channel]Adapter{r.primary, r.secondary} {
		for _, a := range adapters {
			if a == nil {
				continue
			}
			name := strings.TrimSpace(a.Name())
			if name == "" {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	return names
}
