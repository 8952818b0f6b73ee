package template

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/notifyops/notify-core/internal/domain"
)

func TestCatalogRender(t *testing.T) {
	t.Parallel()

	catalog := NewCatalog()
	err := catalog.Register(Definition{
		TemplateKey: "welcome",
		Channel:     domain.ChannelEmail,
		Locale:      "en",
		Subject:     "Welcome {{.userName}}",
		Body:        "Hello {{.userName}}, your plan is {{.plan}}.",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	rendered, err := catalog.Render(context.Background(), "welcome", domain.ChannelEmail, "en", map[string]any{
		"userName": "Ada",
		"plan":     "pro",
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	if rendered.Subject != "Welcome Ada" {
		t.Fatalf("Subject = %q", rendered.Subject)
	}
	if rendered.Body != "Hello Ada, your plan is pro." {
		t.Fatalf("Body = %q", rendered.Body)
	}
	if want := []string{"plan", "userName"}; !reflect.DeepEqual(rendered.VariablesUsed, want) {
		t.Fatalf("VariablesUsed = %v, want %v", rendered.VariablesUsed, want)
	}
}

func TestCatalogRenderMissingVariable(t *testing.T) {
	t.Parallel()

	catalog := NewCatalog()
	if err := catalog.Register(Definition{
		TemplateKey: "welcome",
		Channel:     domain.ChannelPush,
		Locale:      "en",
		Body:        "Hello {{.userName}}",
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	_, err := catalog.Render(context.Background(), "welcome", domain.ChannelPush, "en", map[string]any{})
	if !errors.Is(err, domain.ErrRenderError) {
		t.Fatalf("expected ErrRenderError, got %v", err)
	}
}

func TestCatalogRenderUnknownVariant(t *testing.T) {
	t.Parallel()

	catalog := NewCatalog()
	if err := catalog.Register(Definition{
		TemplateKey: "welcome",
		Channel:     domain.ChannelPush,
		Locale:      "en",
		Body:        "Hello",
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	testCases := []struct {
		name    string
		key     string
		channel domain.Channel
		locale  string
	}{
		{name: "unknown key", key: "goodbye", channel: domain.ChannelPush, locale: "en"},
		{name: "unknown channel", key: "welcome", channel: domain.ChannelSMS, locale: "en"},
		{name: "unknown locale", key: "welcome", channel: domain.ChannelPush, locale: "tr"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := catalog.Render(context.Background(), tc.key, tc.channel, tc.locale, nil)
			if !errors.Is(err, domain.ErrTemplateNotFound) {
				t.Fatalf("expected ErrTemplateNotFound, got %v", err)
			}
		})
	}
}

func TestCatalogRegisterValidation(t *testing.T) {
	t.Parallel()

	catalog := NewCatalog()

	testCases := []struct {
		name string
		def  Definition
	}{
		{name: "missing template key", def: Definition{Channel: domain.ChannelPush, Locale: "en", Body: "x"}},
		{name: "missing body", def: Definition{TemplateKey: "welcome", Channel: domain.ChannelPush, Locale: "en"}},
		{name: "missing locale", def: Definition{TemplateKey: "welcome", Channel: domain.ChannelPush, Body: "x"}},
		{name: "broken body syntax", def: Definition{TemplateKey: "welcome", Channel: domain.ChannelPush, Locale: "en", Body: "{{.userName"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if err := catalog.Register(tc.def); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestCatalogLocaleNormalization(t *testing.T) {
	t.Parallel()

	catalog := NewCatalog()
	if err := catalog.Register(Definition{
		TemplateKey: "welcome",
		Channel:     domain.ChannelEmail,
		Locale:      "pt_BR",
		Body:        "Ola",
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if _, err := catalog.Render(context.Background(), "welcome", domain.ChannelEmail, "pt-BR", nil); err != nil {
		t.Fatalf("Render() with dash separator error = %v", err)
	}
}
