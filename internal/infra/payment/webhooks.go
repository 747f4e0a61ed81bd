package payment

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"coinshop-payments/internal/domain"
	"coinshop-payments/internal/domain/model"
)

// EnsureWebhookRegistered makes sure the store delivers every invoice event to
// the configured callback, signed with the configured secret. The processor
// never returns a registration's secret, so a registration for the same URL is
// always rewritten in place; a complete one is preferred over a partial one.
// Without any, a new registration is created.
func (c *Client) EnsureWebhookRegistered(ctx context.Context) (*model.WebhookRegistration, error) {
	target := strings.TrimSpace(c.opts.WebhookURL)
	if target == "" || c.opts.WebhookSecret == "" {
		return nil, fmt.Errorf("%w: webhook url and secret are required", domain.ErrConfiguration)
	}

	var existing []webhookData
	if err := c.do(ctx, opListWebhooks, call{method: http.MethodGet, path: c.storePath("/webhooks")}, &existing); err != nil {
		return nil, err
	}

	var match *webhookData
	for i := range existing {
		w := existing[i]
		if !sameURL(w.URL, target) {
			continue
		}
		reg := w.toModel()
		if reg.Enabled && reg.AutomaticRedelivery && reg.Covers(model.AllInvoiceEvents) {
			match = &existing[i]
			break
		}
		if match == nil {
			match = &existing[i]
		}
	}

	want := c.desiredWebhook()
	var saved webhookData
	if match != nil {
		path := c.storePath("/webhooks/%s", url.PathEscape(match.ID))
		if err := c.do(ctx, opUpdateWebhook, call{method: http.MethodPut, path: path, body: want}, &saved); err != nil {
			return nil, err
		}
		c.log.Info().Str("webhook_id", match.ID).Msg("webhook registration updated")
	} else {
		if err := c.do(ctx, opCreateWebhook, call{method: http.MethodPost, path: c.storePath("/webhooks"), body: want}, &saved); err != nil {
			return nil, err
		}
		c.log.Info().Str("webhook_id", saved.ID).Msg("webhook registration created")
	}
	reg := saved.toModel()
	reg.Secret = ""
	return reg, nil
}

func (c *Client) desiredWebhook() webhookData {
	events := make([]string, 0, len(model.AllInvoiceEvents))
	for _, e := range model.AllInvoiceEvents {
		events = append(events, string(e))
	}
	return webhookData{
		URL:                 c.opts.WebhookURL,
		Enabled:             true,
		AutomaticRedelivery: true,
		AuthorizedEvents:    webhookAuthorizedEvents{SpecificEvents: events},
		Secret:              c.opts.WebhookSecret,
	}
}

func sameURL(a, b string) bool {
	return strings.EqualFold(strings.TrimRight(a, "/"), strings.TrimRight(b, "/"))
}
