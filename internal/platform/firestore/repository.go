package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Document is a decoded snapshot of a Collection entry.
type Document[T any] struct {
	ID         string
	Data       T
	UpdateTime time.Time
}

// QueryBuilder narrows a collection query (filters, ordering, cursors, limits).
type QueryBuilder func(query firestore.Query) firestore.Query

// Collection binds a Firestore collection to the document struct T stored in it. T carries
// `firestore` tags; conversion to and from domain types stays in the repositories.
type Collection[T any] struct {
	provider *Provider
	name     string
}

// NewCollection returns a typed handle on the named collection.
func NewCollection[T any](provider *Provider, name string) *Collection[T] {
	return &Collection[T]{provider: provider, name: strings.TrimSpace(name)}
}

// Name reports the collection name used in error operations.
func (c *Collection[T]) Name() string {
	if c == nil || c.name == "" {
		return "firestore"
	}
	return c.name
}

// Get reads one document. Missing documents surface as a not-found RepositoryError.
func (c *Collection[T]) Get(ctx context.Context, id string) (Document[T], error) {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(c.op("get"), err)
	}
	return c.decode(snap)
}

// Create inserts value and reports a conflict when id is already taken.
func (c *Collection[T]) Create(ctx context.Context, id string, value T) error {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, value); err != nil {
		return WrapError(c.op("create"), err)
	}
	return nil
}

// Set replaces the document.
func (c *Collection[T]) Set(ctx context.Context, id string, value T) error {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, value); err != nil {
		return WrapError(c.op("set"), err)
	}
	return nil
}

// Merge writes only the given top-level fields, creating the document when absent.
func (c *Collection[T]) Merge(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, fields, firestore.MergeAll); err != nil {
		return WrapError(c.op("merge"), err)
	}
	return nil
}

// Delete removes the document. Pass firestore.Exists to fail on missing documents.
func (c *Collection[T]) Delete(ctx context.Context, id string, preconds ...firestore.Precondition) error {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx, preconds...); err != nil {
		return WrapError(c.op("delete"), err)
	}
	return nil
}

// Query runs build against the collection and decodes every match in order.
func (c *Collection[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	coll, err := c.collection(ctx)
	if err != nil {
		return nil, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var docs []Document[T]
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return docs, nil
		}
		if err != nil {
			return nil, WrapError(c.op("query"), err)
		}
		doc, err := c.decode(snap)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
}

// TxGet reads the document inside tx.
func (c *Collection[T]) TxGet(ctx context.Context, tx *firestore.Transaction, id string) (Document[T], error) {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snap, err := tx.Get(ref)
	if err != nil {
		return Document[T]{}, WrapError(c.op("tx.get"), err)
	}
	return c.decode(snap)
}

// TxSet replaces the document inside tx.
func (c *Collection[T]) TxSet(ctx context.Context, tx *firestore.Transaction, id string, value T) error {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return err
	}
	return tx.Set(ref, value)
}

// TxCreate inserts the document inside tx; the commit fails when it already exists.
func (c *Collection[T]) TxCreate(ctx context.Context, tx *firestore.Transaction, id string, value T) error {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return err
	}
	return tx.Create(ref, value)
}

// TxDelete removes the document inside tx.
func (c *Collection[T]) TxDelete(ctx context.Context, tx *firestore.Transaction, id string) error {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return err
	}
	return tx.Delete(ref)
}

// Ref returns the document reference for id.
func (c *Collection[T]) Ref(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(c.op("ref"), errors.New("document id is required"))
	}
	coll, err := c.collection(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

func (c *Collection[T]) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	if c == nil || c.provider == nil {
		return nil, WrapError(c.op("collection"), errors.New("provider is nil"))
	}
	if c.name == "" {
		return nil, WrapError(c.op("collection"), errors.New("collection name is required"))
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name), nil
}

func (c *Collection[T]) decode(snap *firestore.DocumentSnapshot) (Document[T], error) {
	var data T
	if err := snap.DataTo(&data); err != nil {
		return Document[T]{}, fmt.Errorf("%s: decode %s: %w", c.Name(), snap.Ref.ID, err)
	}
	return Document[T]{ID: snap.Ref.ID, Data: data, UpdateTime: snap.UpdateTime}, nil
}

func (c *Collection[T]) op(action string) string {
	return c.Name() + "." + action
}
