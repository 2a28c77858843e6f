// Package notifications delivers customer notifications over email, SMS and push.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	domain "github.com/medina-market/api/internal/domain"
)

const defaultSenderTimeout = 10 * time.Second

var (
	// ErrNoRecipient is returned when the channel has no address for the customer.
	ErrNoRecipient = errors.New("notifications: no recipient address")
	// ErrInvalidPhone is returned when a phone number cannot be normalised to E.164.
	ErrInvalidPhone = errors.New("notifications: invalid phone number")
	// ErrNotConfigured is returned by senders missing their endpoint or client.
	ErrNotConfigured = errors.New("notifications: sender not configured")
)

// Recipient holds the addresses a message can be delivered to.
type Recipient struct {
	CustomerID        string
	Name              string
	Email             string
	Phone             string
	Locale            string
	PushSubscriptions []domain.PushSubscription
}

// Message is the channel-independent notification content.
type Message struct {
	Category domain.NotificationCategory
	Priority domain.NotificationPriority
	Title    string
	Body     string
	OrderID  string
	Data     map[string]string
}

// Result reports delivery details. InactiveSubscriptions lists push subscription IDs the
// provider reported as gone.
type Result struct {
	ProviderMessageID     string
	InactiveSubscriptions []string
}

// Sender delivers a message on one channel.
type Sender interface {
	Channel() domain.NotificationChannel
	Send(ctx context.Context, to Recipient, msg Message) (Result, error)
}

// relay posts JSON to an HTTP delivery provider.
type relay struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func newRelay(endpoint, apiKey string, timeout time.Duration, client *http.Client) relay {
	if client == nil {
		if timeout <= 0 {
			timeout = defaultSenderTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return relay{endpoint: strings.TrimSpace(endpoint), apiKey: strings.TrimSpace(apiKey), client: client}
}

func (r relay) configured() bool { return r.endpoint != "" }

type relayResponse struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
}

func (r relay) post(ctx context.Context, payload any) (string, error) {
	if !r.configured() {
		return "", ErrNotConfigured
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("notifications: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("notifications: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("notifications: relay request: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("notifications: relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var decoded relayResponse
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	if decoded.MessageID != "" {
		return decoded.MessageID, nil
	}
	return decoded.ID, nil
}
