package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/medina-market/api/internal/platform/firestore"
)

const keysCollection = "idempotency_keys"

// FirestoreStore keeps keys in the idempotency_keys collection; document IDs are key hashes.
type FirestoreStore struct {
	provider *pfirestore.Provider
	base     *pfirestore.Collection[keyDocument]
}

// NewFirestoreStore builds a store on the shared Firestore provider.
func NewFirestoreStore(provider *pfirestore.Provider) (*FirestoreStore, error) {
	if provider == nil {
		return nil, errors.New("idempotency: firestore provider is required")
	}
	return &FirestoreStore{
		provider: provider,
		base:     pfirestore.NewCollection[keyDocument](provider, keysCollection),
	}, nil
}

var _ Store = (*FirestoreStore)(nil)

// Claim reserves the key for the fingerprint, or reports the stored state.
func (s *FirestoreStore) Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	id := documentID(key)

	var (
		outcome Outcome
		entry   Entry
	)
	err := s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, err := s.base.TxGet(ctx, tx, id)
		switch {
		case pfirestore.IsNotFound(err), err == nil && !now.Before(current.Data.ExpiresAt):
		case err != nil:
			return err
		case current.Data.Fingerprint != fingerprint:
			return ErrKeyReused
		default:
			entry = current.Data.entry()
			outcome = OutcomeInFlight
			if entry.State == StateDone {
				outcome = OutcomeReplay
			}
			return nil
		}
		doc := keyDocument{
			Key:         key,
			Fingerprint: fingerprint,
			State:       string(StateInFlight),
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		}
		if err := s.base.TxSet(ctx, tx, id, doc); err != nil {
			return err
		}
		outcome, entry = OutcomeFresh, doc.entry()
		return nil
	}, pfirestore.WithTxAttempts(3))
	if err != nil {
		if errors.Is(err, ErrKeyReused) {
			return 0, Entry{}, ErrKeyReused
		}
		return 0, Entry{}, fmt.Errorf("idempotency: claim: %w", err)
	}
	return outcome, entry, nil
}

// Complete stores the response so later requests replay it.
func (s *FirestoreStore) Complete(ctx context.Context, key, fingerprint string, resp Captured, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	doc := keyDocument{
		Key:         key,
		Fingerprint: fingerprint,
		State:       string(StateDone),
		Status:      resp.Status,
		Header:      replayableHeaders(resp.Header),
		Body:        append([]byte(nil), resp.Body...),
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := s.base.Set(ctx, documentID(key), doc); err != nil {
		return fmt.Errorf("idempotency: complete: %w", err)
	}
	return nil
}

// Abandon frees the key so the client may retry.
func (s *FirestoreStore) Abandon(ctx context.Context, key string) error {
	return s.base.Delete(ctx, documentID(key))
}

// Purge deletes up to limit expired keys.
func (s *FirestoreStore) Purge(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	docs, err := client.Collection(keysCollection).Where("expiresAt", "<=", now.UTC()).Limit(limit).Documents(ctx).GetAll()
	if err != nil {
		return 0, pfirestore.WrapError("idempotency.purge", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}
	batch := client.BulkWriter(ctx)
	for _, doc := range docs {
		if _, err := batch.Delete(doc.Ref); err != nil {
			batch.End()
			return 0, pfirestore.WrapError("idempotency.purge", err)
		}
	}
	batch.End()
	return len(docs), nil
}

type keyDocument struct {
	Key         string              `firestore:"key"`
	Fingerprint string              `firestore:"fingerprint"`
	State       string              `firestore:"state"`
	Status      int                 `firestore:"status,omitempty"`
	Header      map[string][]string `firestore:"header,omitempty"`
	Body        []byte              `firestore:"body,omitempty"`
	CreatedAt   time.Time           `firestore:"createdAt"`
	ExpiresAt   time.Time           `firestore:"expiresAt"`
}

func (d keyDocument) entry() Entry {
	return Entry{
		Key:         d.Key,
		Fingerprint: d.Fingerprint,
		State:       State(d.State),
		Status:      d.Status,
		Header:      d.Header,
		Body:        d.Body,
		CreatedAt:   d.CreatedAt,
		ExpiresAt:   d.ExpiresAt,
	}
}
