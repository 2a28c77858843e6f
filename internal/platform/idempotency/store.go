package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL is how long a claimed key and its stored response are kept.
const DefaultTTL = 24 * time.Hour

// State is the lifecycle of a stored key.
type State string

const (
	// StateInFlight means a request claimed the key and has not finished.
	StateInFlight State = "in_flight"
	// StateDone means the response is stored and will be replayed.
	StateDone State = "done"
)

// Outcome describes what Claim found.
type Outcome int

const (
	// OutcomeFresh means the caller owns the key and must run the handler.
	OutcomeFresh Outcome = iota
	// OutcomeReplay means a stored response exists.
	OutcomeReplay
	// OutcomeInFlight means another request holds the key.
	OutcomeInFlight
)

// Entry is the persisted view of a key.
type Entry struct {
	Key         string
	Fingerprint string
	State       State
	Status      int
	Header      map[string][]string
	Body        []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Captured is a handler response to persist for replays.
type Captured struct {
	Status int
	Header http.Header
	Body   []byte
}

// Store persists idempotency keys.
type Store interface {
	Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error)
	Complete(ctx context.Context, key, fingerprint string, resp Captured, now time.Time, ttl time.Duration) error
	Abandon(ctx context.Context, key string) error
	Purge(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrKeyReused is returned when a key is presented again with a different request.
var ErrKeyReused = errors.New("idempotency: key already used for a different request")

func documentID(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// replayableHeaders drops hop-by-hop and length headers that must not be replayed verbatim.
func replayableHeaders(header http.Header) map[string][]string {
	out := make(map[string][]string, len(header))
	for name, values := range header {
		switch strings.ToLower(name) {
		case "content-length", "date", "connection", "keep-alive", "transfer-encoding", "upgrade", "te", "trailer":
			continue
		}
		out[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
