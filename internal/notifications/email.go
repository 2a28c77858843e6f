package notifications

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	domain "github.com/medina-market/api/internal/domain"
)

const emailLayout = `<!DOCTYPE html>
<html lang="{{.Lang}}">
<body style="font-family:Arial,sans-serif;color:#222">
<h2>{{.Title}}</h2>
{{if .Greeting}}<p>{{.Greeting}}</p>{{end}}
<p>{{.Body}}</p>
{{block "details" .}}{{end}}
{{if .TrackingURL}}<p><a href="{{.TrackingURL}}">Track your order</a></p>{{end}}
</body>
</html>`

const orderStatusDetails = `{{define "details"}}{{if .OrderNumber}}<p>Order <strong>{{.OrderNumber}}</strong>{{if .Status}} is now <strong>{{.Status}}</strong>{{end}}.</p>{{end}}{{end}}`

const deliveryDetails = `{{define "details"}}{{if .OrderNumber}}<p>Order <strong>{{.OrderNumber}}</strong> has been delivered.</p>{{end}}{{if .TrackingNumber}}<p>Carrier tracking number: {{.TrackingNumber}}</p>{{end}}{{end}}`

type emailView struct {
	Lang           string
	Title          string
	Greeting       string
	Body           string
	OrderNumber    string
	Status         string
	TrackingNumber string
	TrackingURL    string
}

// EmailConfig configures the HTTP email relay.
type EmailConfig struct {
	Endpoint        string
	APIKey          string
	From            string
	TrackingBaseURL string
	Timeout         time.Duration
	Client          *http.Client
}

// EmailSender renders HTML templates and posts them to an email relay.
type EmailSender struct {
	relay        relay
	from         string
	trackingBase string
	policy       *bluemonday.Policy
	templates    map[domain.NotificationCategory]*template.Template
}

// NewEmailSender parses the templates and returns a sender.
func NewEmailSender(cfg EmailConfig) (*EmailSender, error) {
	base, err := template.New("email").Parse(emailLayout)
	if err != nil {
		return nil, fmt.Errorf("notifications: parse email layout: %w", err)
	}
	orderTmpl, err := template.Must(base.Clone()).Parse(orderStatusDetails)
	if err != nil {
		return nil, fmt.Errorf("notifications: parse order template: %w", err)
	}
	deliveryTmpl, err := template.Must(base.Clone()).Parse(deliveryDetails)
	if err != nil {
		return nil, fmt.Errorf("notifications: parse delivery template: %w", err)
	}
	return &EmailSender{
		relay:        newRelay(cfg.Endpoint, cfg.APIKey, cfg.Timeout, cfg.Client),
		from:         strings.TrimSpace(cfg.From),
		trackingBase: strings.TrimRight(strings.TrimSpace(cfg.TrackingBaseURL), "/"),
		policy:       bluemonday.StrictPolicy(),
		templates: map[domain.NotificationCategory]*template.Template{
			domain.NotificationCategoryOrderUpdate: orderTmpl,
			domain.NotificationCategoryDelivery:    deliveryTmpl,
		},
	}, nil
}

func (*EmailSender) Channel() domain.NotificationChannel { return domain.NotificationChannelEmail }

type emailPayload struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

// Send renders the message and delivers it through the relay.
func (s *EmailSender) Send(ctx context.Context, to Recipient, msg Message) (Result, error) {
	address := strings.TrimSpace(to.Email)
	if address == "" {
		return Result{}, ErrNoRecipient
	}
	body, err := s.Render(to, msg)
	if err != nil {
		return Result{}, err
	}
	id, err := s.relay.post(ctx, emailPayload{
		From:    s.from,
		To:      address,
		Subject: s.plain(msg.Title),
		HTML:    body,
		Text:    s.plain(msg.Body),
	})
	if err != nil {
		return Result{}, err
	}
	return Result{ProviderMessageID: id}, nil
}

// Render produces the HTML body. Free text is stripped of markup before templating.
func (s *EmailSender) Render(to Recipient, msg Message) (string, error) {
	tmpl, ok := s.templates[msg.Category]
	if !ok {
		tmpl = s.templates[domain.NotificationCategoryOrderUpdate]
	}
	view := emailView{
		Lang:           languageOf(to.Locale),
		Title:          s.plain(msg.Title),
		Body:           s.plain(msg.Body),
		OrderNumber:    s.plain(msg.Data["orderNumber"]),
		Status:         s.plain(msg.Data["status"]),
		TrackingNumber: s.plain(msg.Data["trackingNumber"]),
		TrackingURL:    s.trackingURL(msg.Data["trackingCode"]),
	}
	if name := s.plain(strings.TrimSpace(to.Name)); name != "" {
		view.Greeting = "Hello " + name + ","
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("notifications: render email: %w", err)
	}
	return buf.String(), nil
}

// plain strips markup; entities are decoded because html/template escapes on output.
func (s *EmailSender) plain(text string) string {
	return html.UnescapeString(s.policy.Sanitize(text))
}

func (s *EmailSender) trackingURL(code string) string {
	code = strings.TrimSpace(code)
	if code == "" || s.trackingBase == "" {
		return ""
	}
	return s.trackingBase + "/" + url.PathEscape(code)
}
