package clients

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// AlertChannel reports conditions that need an operator. Implementations
// must be fire-and-forget: a failing alert delivery never surfaces to the
// caller.
type AlertChannel interface {
	Notify(subject string, err error, fields map[string]string)
}

// WebhookAlerts posts alerts to an operator webhook. Delivery failures are
// logged and dropped.
type WebhookAlerts struct {
	http *HttpClient
	log  *zap.Logger
}

func NewWebhookAlerts(webhookURL string, log *zap.Logger) *WebhookAlerts {
	a := &WebhookAlerts{log: log}
	if webhookURL != "" {
		a.http = NewHttpClient(webhookURL)
	}
	return a
}

type alertPayload struct {
	Subject string            `json:"subject"`
	Error   string            `json:"error,omitempty"`
	Context map[string]string `json:"context,omitempty"`
	At      time.Time         `json:"at"`
}

func (a *WebhookAlerts) Notify(subject string, err error, fields map[string]string) {
	payload := alertPayload{
		Subject: subject,
		Context: fields,
		At:      time.Now().UTC(),
	}
	if err != nil {
		payload.Error = err.Error()
	}

	a.log.Warn("operator alert",
		zap.String("subject", subject),
		zap.Error(err),
		zap.Any("context", fields))

	if a.http == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, perr := a.http.Post(ctx, "", payload); perr != nil {
			a.log.Warn("alert delivery failed", zap.String("subject", subject), zap.Error(perr))
		}
	}()
}
