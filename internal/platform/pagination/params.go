package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize is used when the client omits pageSize.
	DefaultPageSize = 20
	// DefaultMaxPageSize caps pageSize to keep Firestore reads bounded.
	DefaultMaxPageSize = 100

	maxFilterValueLength = 64
)

// Cursor is the Firestore position encoded in a page token.
type Cursor struct {
	StartAfter []any `json:"startAfter,omitempty"`
}

// Params bundles the paging and filter values read from a request.
type Params struct {
	PageSize  int
	PageToken string
	Filters   map[string][]string
}

// Filter returns the values given for field.
func (p Params) Filter(field string) []string {
	return p.Filters[field]
}

// Options control parsing for one endpoint.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
	// AllowedFilters lists query parameters accepted as equality filters. Values may repeat or be
	// comma separated.
	AllowedFilters []string
}

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidFilter    = errors.New("pagination: invalid filter")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// FromRequest parses the request query string.
func FromRequest(r *http.Request, opts Options) (Params, error) {
	if r == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query(), opts)
}

// Parse reads pageSize (or page_size), pageToken (or page_token), and the allowed filters.
func Parse(values url.Values, opts Options) (Params, error) {
	size, err := parsePageSize(firstOf(values, "pageSize", "page_size"), opts)
	if err != nil {
		return Params{}, err
	}
	params := Params{PageSize: size}

	if token := firstOf(values, "pageToken", "page_token"); token != "" {
		if _, err := DecodeToken(token); err != nil {
			return Params{}, err
		}
		params.PageToken = token
	}

	for _, field := range opts.AllowedFilters {
		var collected []string
		for _, raw := range values[field] {
			for _, part := range strings.Split(raw, ",") {
				part = strings.ToLower(strings.TrimSpace(part))
				if part == "" {
					continue
				}
				if len(part) > maxFilterValueLength {
					return Params{}, fmt.Errorf("%w: %s value too long", ErrInvalidFilter, field)
				}
				collected = append(collected, part)
			}
		}
		if len(collected) > 0 {
			if params.Filters == nil {
				params.Filters = make(map[string][]string)
			}
			params.Filters[field] = collected
		}
	}
	return params, nil
}

func firstOf(values url.Values, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(values.Get(key)); v != "" {
			return v
		}
	}
	return ""
}

func parsePageSize(raw string, opts Options) (int, error) {
	maxSize := opts.MaxPageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxPageSize
	}
	def := opts.DefaultPageSize
	if def <= 0 {
		def = DefaultPageSize
	}
	def = min(def, maxSize)
	if raw == "" {
		return def, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidPageSize)
	}
	return min(value, maxSize), nil
}
