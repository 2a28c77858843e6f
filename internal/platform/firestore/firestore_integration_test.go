//go:build integration

package firestore_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"

	pconfig "github.com/medina-market/api/internal/platform/config"
	pfirestore "github.com/medina-market/api/internal/platform/firestore"
)

type lockDoc struct {
	PaymentID string `firestore:"paymentId"`
	Attempts  int    `firestore:"attempts"`
}

type classified interface {
	IsNotFound() bool
	IsConflict() bool
}

// newEmulatorProvider connects to the emulator named by FIRESTORE_EMULATOR_HOST, e.g. the one
// started by `gcloud emulators firestore start` in CI.
func newEmulatorProvider(t *testing.T) (*pfirestore.Provider, context.Context) {
	t.Helper()
	host := os.Getenv("FIRESTORE_EMULATOR_HOST")
	if host == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{ProjectID: "medina-it", EmulatorHost: host})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	if err := provider.Ping(ctx); err != nil {
		t.Fatalf("ping emulator: %v", err)
	}
	return provider, ctx
}

func TestCollectionCreateIsConditional(t *testing.T) {
	provider, ctx := newEmulatorProvider(t)
	locks := pfirestore.NewCollection[lockDoc](provider, "payment_locks_"+time.Now().Format("150405.000000"))

	if err := locks.Create(ctx, "ord_1", lockDoc{PaymentID: "pay_1"}); err != nil {
		t.Fatalf("create lock: %v", err)
	}
	err := locks.Create(ctx, "ord_1", lockDoc{PaymentID: "pay_2"})
	var cls classified
	if !errors.As(err, &cls) || !cls.IsConflict() {
		t.Fatalf("expected conflict on second lock, got %v", err)
	}

	doc, err := locks.Get(ctx, "ord_1")
	if err != nil {
		t.Fatalf("get lock: %v", err)
	}
	if doc.ID != "ord_1" || doc.Data.PaymentID != "pay_1" || doc.UpdateTime.IsZero() {
		t.Fatalf("unexpected lock %#v", doc)
	}

	if err := locks.Merge(ctx, "ord_1", map[string]any{"attempts": 2}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if doc, _ = locks.Get(ctx, "ord_1"); doc.Data.Attempts != 2 || doc.Data.PaymentID != "pay_1" {
		t.Fatalf("merge should keep other fields, got %#v", doc.Data)
	}

	docs, err := locks.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("paymentId", "==", "pay_1")
	})
	if err != nil || len(docs) != 1 {
		t.Fatalf("expected one lock for pay_1, got %d (%v)", len(docs), err)
	}

	if err := locks.Delete(ctx, "ord_1", firestore.Exists); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err = locks.Get(ctx, "ord_1")
	if !errors.As(err, &cls) || !cls.IsNotFound() {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestCollectionTransactionalLockHandOver(t *testing.T) {
	provider, ctx := newEmulatorProvider(t)
	locks := pfirestore.NewCollection[lockDoc](provider, "payment_locks_tx_"+time.Now().Format("150405.000000"))

	if err := locks.Set(ctx, "ord_9", lockDoc{PaymentID: "pay_old"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err := provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, err := locks.TxGet(ctx, tx, "ord_9")
		if err != nil {
			return err
		}
		if current.Data.PaymentID != "pay_old" {
			t.Errorf("unexpected holder %s", current.Data.PaymentID)
		}
		if err := locks.TxDelete(ctx, tx, "ord_9"); err != nil {
			return err
		}
		return locks.TxCreate(ctx, tx, "ord_10", lockDoc{PaymentID: "pay_new", Attempts: 1})
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	if _, err := locks.Get(ctx, "ord_9"); !pfirestore.IsNotFound(err) {
		t.Fatalf("expected released lock, got %v", err)
	}
	doc, err := locks.Get(ctx, "ord_10")
	if err != nil || doc.Data.PaymentID != "pay_new" {
		t.Fatalf("expected new lock, got %#v (%v)", doc.Data, err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := provider.RunTransaction(cancelled, func(context.Context, *firestore.Transaction) error {
		return nil
	}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}
