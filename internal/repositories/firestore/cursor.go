package firestore

import (
	"errors"
	"fmt"
	"time"

	"github.com/medina-market/api/internal/platform/pagination"
)

// encodeTimeCursor builds a page token pointing after the document with the given sort key.
func encodeTimeCursor(ts time.Time, docID string) (string, error) {
	return pagination.EncodeToken(pagination.Cursor{
		StartAfter: []any{ts.UTC().Format(time.RFC3339Nano), docID},
	})
}

func decodeTimeCursor(token string) (time.Time, string, error) {
	cursor, err := pagination.DecodeToken(token)
	if err != nil {
		return time.Time{}, "", err
	}
	if len(cursor.StartAfter) != 2 {
		return time.Time{}, "", fmt.Errorf("%w: unexpected cursor length", pagination.ErrInvalidPageToken)
	}
	rawTime, ok := cursor.StartAfter[0].(string)
	if !ok {
		return time.Time{}, "", errors.New("cursor time is not a string")
	}
	docID, ok := cursor.StartAfter[1].(string)
	if !ok || docID == "" {
		return time.Time{}, "", errors.New("cursor document id is missing")
	}
	ts, err := time.Parse(time.RFC3339Nano, rawTime)
	if err != nil {
		return time.Time{}, "", err
	}
	return ts, docID, nil
}

// pageWindow returns the requested size and the over-fetch size used to detect a following page.
func pageWindow(size int) (int, int) {
	if size <= 0 {
		size = pagination.DefaultPageSize
	}
	if size > pagination.DefaultMaxPageSize {
		size = pagination.DefaultMaxPageSize
	}
	return size, size + 1
}
