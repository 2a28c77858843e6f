package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	domain "github.com/medina-market/api/internal/domain"
)

const (
	defaultGatewayTimeout = 10 * time.Second
	maxGatewayResponse    = 1 << 20
)

// jsonGateway performs JSON calls against a gateway REST API.
type jsonGateway struct {
	gateway domain.PaymentGateway
	baseURL string
	client  *http.Client
}

func newJSONGateway(gateway domain.PaymentGateway, baseURL string, client *http.Client, timeout time.Duration) jsonGateway {
	if client == nil {
		if timeout <= 0 {
			timeout = defaultGatewayTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return jsonGateway{
		gateway: gateway,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  client,
	}
}

// do sends payload (nil for none) and decodes a 2xx response into out. The raw body is returned
// even on failure so callers can persist it.
func (g jsonGateway) do(ctx context.Context, method, path string, header http.Header, payload any, out any) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, &GatewayError{Gateway: g.gateway, Message: "encode request", Err: err}
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return nil, &GatewayError{Gateway: g.gateway, Message: "build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &GatewayError{Gateway: g.gateway, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxGatewayResponse))
	if err != nil {
		return nil, &GatewayError{Gateway: g.gateway, Message: "read response", StatusCode: resp.StatusCode, Err: err}
	}
	rawJSON := asRawJSON(raw)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return rawJSON, &GatewayError{
			Gateway:    g.gateway,
			Message:    fmt.Sprintf("unexpected status %s", http.StatusText(resp.StatusCode)),
			StatusCode: resp.StatusCode,
			Raw:        rawJSON,
		}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return rawJSON, &GatewayError{Gateway: g.gateway, Message: "decode response", StatusCode: resp.StatusCode, Raw: rawJSON, Err: err}
		}
	}
	return rawJSON, nil
}

// asRawJSON keeps valid JSON as-is and quotes anything else so it can be stored verbatim.
func asRawJSON(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(append([]byte(nil), trimmed...))
	}
	quoted, _ := json.Marshal(string(trimmed))
	return quoted
}

// decodeWebhookBody accepts a JSON object or a form-encoded body.
func decodeWebhookBody(gateway domain.PaymentGateway, req WebhookRequest, dst any) error {
	trimmed := bytes.TrimSpace(req.Body)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, dst); err != nil {
			return &GatewayError{Gateway: gateway, Message: "malformed webhook payload", Err: err}
		}
		return nil
	}
	values, err := url.ParseQuery(string(trimmed))
	if err != nil {
		return &GatewayError{Gateway: gateway, Message: "malformed webhook payload", Err: err}
	}
	flat := make(map[string]string, len(values))
	for key := range values {
		flat[key] = values.Get(key)
	}
	encoded, err := json.Marshal(flat)
	if err != nil {
		return &GatewayError{Gateway: gateway, Message: "malformed webhook payload", Err: err}
	}
	if err := json.Unmarshal(encoded, dst); err != nil {
		return &GatewayError{Gateway: gateway, Message: "malformed webhook payload", Err: err}
	}
	return nil
}

// looseString decodes any JSON scalar as text; gateways mix strings, numbers and booleans.
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*s = ""
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var v string
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	*s = looseString(trimmed)
	return nil
}

func (s looseString) String() string { return strings.TrimSpace(string(s)) }

// Bool interprets true/1/yes as true.
func (s looseString) Bool() bool {
	v, err := strconv.ParseBool(strings.ToLower(s.String()))
	if err == nil {
		return v
	}
	return strings.EqualFold(s.String(), "yes")
}

// minorAmount converts a major-unit decimal string (e.g. "12.500") to minor units.
func minorAmount(raw looseString, currency string) int64 {
	if raw.String() == "" {
		return 0
	}
	amount, err := domain.ParseMoney(raw.String(), currency)
	if err != nil {
		return 0
	}
	return amount
}

// integerAmount parses an amount already expressed in minor units.
func integerAmount(raw looseString) int64 {
	v, err := strconv.ParseInt(raw.String(), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// GatewayOption customises HTTP-backed gateway adapters.
type GatewayOption func(*gatewayOptions)

type gatewayOptions struct {
	client  *http.Client
	timeout time.Duration
}

// WithHTTPClient overrides the HTTP client used to reach the gateway.
func WithHTTPClient(client *http.Client) GatewayOption {
	return func(o *gatewayOptions) { o.client = client }
}

// WithTimeout sets the per-call timeout applied when no client is supplied.
func WithTimeout(timeout time.Duration) GatewayOption {
	return func(o *gatewayOptions) { o.timeout = timeout }
}

func buildGateway(gateway domain.PaymentGateway, baseURL string, opts []GatewayOption) jsonGateway {
	options := gatewayOptions{timeout: defaultGatewayTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return newJSONGateway(gateway, baseURL, options.client, options.timeout)
}

func formatInt(v int64) string { return strconv.FormatInt(v, 10) }
