// Package search talks to the paginated bibliographic search API: it encodes
// queries, fetches single pages and classifies what came back.
package search

import (
	"encoding/json"
)

// DefaultPageSize is the page size used when a query does not set one.
const DefaultPageSize = 100

// Query is an immutable search specification. Use WithOffset to derive the
// query for one page; the receiver is never modified.
type Query struct {
	// QueryString is the free-text query ("qs").
	QueryString string

	// Publication restricts results to one venue ("pub"). The API treats it
	// as a superset match, so results still need an exact label filter.
	Publication string

	// Filters are passed through verbatim (e.g. {"openAccess": false}).
	Filters map[string]any

	// Offset is the zero-based index of the first result of the page.
	Offset int

	// Show is the page size.
	Show int

	// SortBy is the result ordering (e.g. "date").
	SortBy string
}

// PageSize returns Show, or DefaultPageSize when Show is unset.
func (q Query) PageSize() int {
	if q.Show <= 0 {
		return DefaultPageSize
	}
	return q.Show
}

// WithOffset returns a copy of q positioned at offset.
func (q Query) WithOffset(offset int) Query {
	c := q
	c.Offset = offset
	c.Show = q.PageSize()
	if q.Filters != nil {
		c.Filters = make(map[string]any, len(q.Filters))
		for k, v := range q.Filters {
			c.Filters[k] = v
		}
	}
	return c
}

type wireDisplay struct {
	Offset int    `json:"offset"`
	Show   int    `json:"show"`
	SortBy string `json:"sortBy,omitempty"`
}

type wireQuery struct {
	QS      string         `json:"qs"`
	Pub     string         `json:"pub,omitempty"`
	Filters map[string]any `json:"filters,omitempty"`
	Display wireDisplay    `json:"display"`
}

// MarshalJSON encodes the query as the API request body.
func (q Query) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireQuery{
		QS:      q.QueryString,
		Pub:     q.Publication,
		Filters: q.Filters,
		Display: wireDisplay{
			Offset: q.Offset,
			Show:   q.PageSize(),
			SortBy: q.SortBy,
		},
	})
}
