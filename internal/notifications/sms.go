package notifications

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/width"

	domain "github.com/medina-market/api/internal/domain"
)

// MaxSMSLength is the single-segment limit applied to outgoing texts.
const MaxSMSLength = 160

var e164Pattern = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// SMSConfig configures the HTTP SMS provider.
type SMSConfig struct {
	Endpoint    string
	APIKey      string
	Sender      string
	CountryCode string
	Timeout     time.Duration
	Client      *http.Client
}

// SMSSender delivers plain-text messages through an SMS relay.
type SMSSender struct {
	relay       relay
	sender      string
	countryCode string
}

// NewSMSSender constructs the SMS sender. The country code defaults to Tunisia.
func NewSMSSender(cfg SMSConfig) *SMSSender {
	cc := strings.TrimPrefix(strings.TrimSpace(cfg.CountryCode), "+")
	if cc == "" {
		cc = "216"
	}
	return &SMSSender{
		relay:       newRelay(cfg.Endpoint, cfg.APIKey, cfg.Timeout, cfg.Client),
		sender:      strings.TrimSpace(cfg.Sender),
		countryCode: cc,
	}
}

func (*SMSSender) Channel() domain.NotificationChannel { return domain.NotificationChannelSMS }

type smsPayload struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Text string `json:"text"`
}

// Send normalises the phone number and posts the truncated text.
func (s *SMSSender) Send(ctx context.Context, to Recipient, msg Message) (Result, error) {
	if strings.TrimSpace(to.Phone) == "" {
		return Result{}, ErrNoRecipient
	}
	phone, err := NormalizePhone(to.Phone, s.countryCode)
	if err != nil {
		return Result{}, err
	}
	text := strings.TrimSpace(msg.Body)
	if title := strings.TrimSpace(msg.Title); title != "" {
		text = title + ": " + text
	}
	id, err := s.relay.post(ctx, smsPayload{From: s.sender, To: phone, Text: TruncateSMS(text)})
	if err != nil {
		return Result{}, err
	}
	return Result{ProviderMessageID: id}, nil
}

// NormalizePhone converts local or international input to E.164. Eight-digit numbers are treated
// as national numbers of countryCode; full-width digits are folded first.
func NormalizePhone(raw, countryCode string) (string, error) {
	folded := width.Fold.String(strings.TrimSpace(raw))
	var b strings.Builder
	for i, r := range folded {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", ErrInvalidPhone
		}
	}
	number := b.String()
	cc := strings.TrimPrefix(countryCode, "+")
	switch {
	case strings.HasPrefix(number, "+"):
	case strings.HasPrefix(number, "00"):
		number = "+" + number[2:]
	case len(number) == 8:
		number = "+" + cc + number
	case cc != "" && strings.HasPrefix(number, cc) && len(number) == len(cc)+8:
		number = "+" + number
	default:
		return "", ErrInvalidPhone
	}
	if !e164Pattern.MatchString(number) {
		return "", ErrInvalidPhone
	}
	return number, nil
}

// TruncateSMS limits text to MaxSMSLength characters, marking the cut with an ellipsis.
func TruncateSMS(text string) string {
	if utf8.RuneCountInString(text) <= MaxSMSLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:MaxSMSLength-3]) + "..."
}
