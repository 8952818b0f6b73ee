package template

import "github.com/notifyops/notify-core/internal/domain"

// RegisterDefaults loads the built-in template set. Tenant-managed templates
// are registered on top of these at startup.
func RegisterDefaults(c *Catalog) error {
	defaults := []Definition{
		{
			TemplateKey: "order-shipped",
			Channel:     domain.ChannelSMS,
			Locale:      "en",
			Body:        "Your order {{.orderId}} has shipped. Track it at {{.trackingUrl}}",
		},
		{
			TemplateKey: "order-shipped",
			Channel:     domain.ChannelPush,
			Locale:      "en",
			Subject:     "Order shipped",
			Body:        "Order {{.orderId}} is on its way.",
		},
		{
			TemplateKey: "order-shipped",
			Channel:     domain.ChannelEmail,
			Locale:      "en",
			Subject:     "Your order {{.orderId}} has shipped",
			Body:        "Hi {{.userName}},\n\nOrder {{.orderId}} left our warehouse and is on its way.\nTrack it here: {{.trackingUrl}}\n",
		},
		{
			TemplateKey: "order-shipped",
			Channel:     domain.ChannelSMS,
			Locale:      "es",
			Body:        "Tu pedido {{.orderId}} ha sido enviado. Siguelo en {{.trackingUrl}}",
		},
		{
			TemplateKey: "password-reset",
			Channel:     domain.ChannelEmail,
			Locale:      "en",
			Subject:     "Reset your password",
			Body:        "Hi {{.userName}},\n\nUse this link to reset your password: {{.resetUrl}}\nThe link expires in {{.expiresInMinutes}} minutes.\n",
		},
		{
			TemplateKey: "password-reset",
			Channel:     domain.ChannelSMS,
			Locale:      "en",
			Body:        "Your password reset code is {{.code}}. It expires in {{.expiresInMinutes}} minutes.",
		},
		{
			TemplateKey: "payment-failed",
			Channel:     domain.ChannelEmail,
			Locale:      "en",
			Subject:     "Payment failed for invoice {{.invoiceId}}",
			Body:        "Hi {{.userName}},\n\nWe could not charge your card for invoice {{.invoiceId}} ({{.amount}}).\nPlease update your payment method.\n",
		},
		{
			TemplateKey: "payment-failed",
			Channel:     domain.ChannelPush,
			Locale:      "en",
			Subject:     "Payment failed",
			Body:        "We could not process your payment for invoice {{.invoiceId}}.",
		},
		{
			TemplateKey: "balance-alert",
			Channel:     domain.ChannelRealtime,
			Locale:      "en",
			Body:        "Account balance dropped below {{.threshold}}: current balance {{.balance}}.",
		},
	}

	for _, def := range defaults {
		if err := c.Register(def); err != nil {
			return err
		}
	}
	return nil
}
