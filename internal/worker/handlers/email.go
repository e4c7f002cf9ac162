package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/nadmax/clawops/internal/registry"
	"github.com/nadmax/clawops/internal/task"
	"github.com/rs/zerolog/log"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const (
	TaskTypeSendEmail = "send_email"

	// the SendGrid key can be registered as resource api_key/sendgrid
	apiKeyResourceType = "api_key"
	apiKeyResourceName = "sendgrid"
)

type EmailConfig struct {
	FromName    string
	FromAddress string
	APIKey      string
}

type ResourceLookup interface {
	Lookup(resourceType, name string) (*registry.Resource, bool)
}

type sendFunc func(apiKey string, email *mail.SGMailV3) (int, error)

type EmailSender struct {
	cfg       EmailConfig
	resources ResourceLookup
	send      sendFunc
}

func NewEmailSender(cfg EmailConfig, resources ResourceLookup) *EmailSender {
	return &EmailSender{cfg: cfg, resources: resources, send: sendWithSendGrid}
}

func sendWithSendGrid(apiKey string, email *mail.SGMailV3) (int, error) {
	client := sendgrid.NewSendClient(apiKey)
	response, err := client.Send(email)
	if err != nil {
		return 0, err
	}
	return response.StatusCode, nil
}

func (s *EmailSender) apiKey() (string, error) {
	if s.resources != nil {
		if res, ok := s.resources.Lookup(apiKeyResourceType, apiKeyResourceName); ok {
			if key := res.StringField("value"); key != "" {
				return key, nil
			}
		}
	}
	if s.cfg.APIKey != "" {
		return s.cfg.APIKey, nil
	}

	return "", errors.New("no SendGrid API key configured")
}

func (s *EmailSender) SendEmailHandler(_ context.Context, t *task.Task) (any, error) {
	to, ok := t.StringField("to")
	if !ok {
		return nil, errors.New("missing 'to' field")
	}

	subject, ok := t.StringField("subject")
	if !ok {
		return nil, errors.New("missing 'subject' field")
	}

	body, ok := t.StringField("body")
	if !ok {
		return nil, errors.New("missing 'body' field")
	}

	key, err := s.apiKey()
	if err != nil {
		return nil, err
	}

	from := mail.NewEmail(s.cfg.FromName, s.cfg.FromAddress)
	email := mail.NewSingleEmail(from, subject, mail.NewEmail("", to), body, body)

	status, err := s.send(key, email)
	if err != nil {
		return nil, fmt.Errorf("failed to send email: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("sendgrid error: status %d", status)
	}

	log.Info().Str("task_id", t.ID).Str("to", to).Int("status", status).Msg("email sent")
	return fmt.Sprintf("email sent to %s (status %d)", to, status), nil
}
