// Package bootstrap holds wiring shared by the api and worker binaries.
package bootstrap

import (
	"fmt"

	"github.com/notifyops/notify-core/internal/config"
	"github.com/notifyops/notify-core/internal/domain"
	"github.com/notifyops/notify-core/internal/provider"
	"github.com/notifyops/notify-core/internal/queue"
	"github.com/notifyops/notify-core/internal/routing"
	"github.com/notifyops/notify-core/internal/template"
)

// BuildRouter wires the built-in template catalog behind the locale router
// and registers the bus messageType mappings.
func BuildRouter(defaultLocale string) (*routing.Router, error) {
	catalog := template.NewCatalog()
	if err := template.RegisterDefaults(catalog); err != nil {
		return nil, err
	}

	router, err := routing.NewRouter(catalog, defaultLocale)
	if err != nil {
		return nil, err
	}
	router.MapMessageType("order.shipped", "order-shipped")
	router.MapMessageType("password.reset", "password-reset")
	router.MapMessageType("payment.failed", "payment-failed")
	router.MapMessageType("balance.alert", "balance-alert")
	return router, nil
}

// BuildProviders creates one webhook adapter per configured endpoint. A
// channel without a secondary URL runs without failover.
func BuildProviders(cfg *config.Config) (*provider.Registry, error) {
	registry := provider.NewRegistry()

	endpoints := []struct {
		channel   domain.Channel
		primary   string
		secondary string
		unitCost  float64
	}{
		{domain.ChannelPush, cfg.PushPrimaryURL, cfg.PushSecondaryURL, cfg.PushUnitCost},
		{domain.ChannelSMS, cfg.SMSPrimaryURL, cfg.SMSSecondaryURL, cfg.SMSUnitCost},
		{domain.ChannelEmail, cfg.EmailPrimaryURL, cfg.EmailSecondaryURL, cfg.EmailUnitCost},
		{domain.ChannelRealtime, cfg.RealtimePrimaryURL, cfg.RealtimeSecondaryURL, cfg.RealtimeUnitCost},
	}

	for _, ep := range endpoints {
		name := queue.QueueName(ep.channel)

		primary, err := provider.NewWebhookAdapter(name+"-primary", ep.primary, ep.unitCost)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", ep.channel, err)
		}
		registry.SetPrimary(ep.channel, primary)

		if ep.secondary == "" {
			continue
		}
		secondary, err := provider.NewWebhookAdapter(name+"-secondary", ep.secondary, ep.unitCost)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", ep.channel, err)
		}
		registry.SetSecondary(ep.channel, secondary)
	}

	return registry, nil
}
