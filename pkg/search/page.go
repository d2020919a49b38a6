package search

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/venue-harvester/pkg/record"
)

// Response fields of the search API.
const (
	FieldResultsFound = "resultsFound"
	FieldResults      = "results"
	FieldAuthors      = "authors"
	FieldPages        = "pages"
)

// Page is the decoded response for one query at one offset.
type Page struct {
	// Total is the resultsFound value, nil when the payload omits it.
	Total   *int
	Records []record.Record
}

// Terminal reports whether the page carries no records.
func (p *Page) Terminal() bool {
	return p == nil || len(p.Records) == 0
}

// SchemaError reports a response whose shape is not recognized.
type SchemaError struct {
	Offset int
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("schema error at offset %d: %s: %v", e.Offset, e.Reason, e.Err)
	}
	return fmt.Sprintf("schema error at offset %d: %s", e.Offset, e.Reason)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *SchemaError) Unwrap() error {
	return e.Err
}

// DecodePage decodes a search response body. Missing or mistyped fields
// yield a *SchemaError; resultsFound is optional.
func DecodePage(body []byte, offset int) (*Page, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	root, err := record.Decode(dec)
	if err != nil {
		return nil, &SchemaError{Offset: offset, Reason: "malformed JSON", Err: err}
	}
	obj, ok := root.AsObject()
	if !ok {
		return nil, &SchemaError{Offset: offset, Reason: "response is " + root.Kind().String() + ", not an object"}
	}

	page := &Page{}

	if v, ok := obj.Get(FieldResultsFound); ok && !v.IsNull() {
		total, ok := v.AsInt()
		if !ok || total < 0 {
			return nil, &SchemaError{Offset: offset, Reason: fmt.Sprintf("%s is not a count: %s", FieldResultsFound, v.Text())}
		}
		page.Total = &total
	}

	v, ok := obj.Get(FieldResults)
	if !ok {
		return nil, &SchemaError{Offset: offset, Reason: "missing " + FieldResults}
	}
	items, ok := v.AsList()
	if !ok {
		if v.IsNull() {
			return page, nil
		}
		return nil, &SchemaError{Offset: offset, Reason: FieldResults + " is " + v.Kind().String() + ", not a list"}
	}

	page.Records = make([]record.Record, 0, len(items))
	for i, item := range items {
		r, ok := item.AsObject()
		if !ok {
			return nil, &SchemaError{Offset: offset, Reason: fmt.Sprintf("result %d is %s, not an object", i, item.Kind())}
		}
		page.Records = append(page.Records, Normalize(r))
	}
	return page, nil
}

// Normalize flattens the nested fields that do not fit a flat table:
// authors becomes "A, B" and pages becomes its first page.
func Normalize(r record.Record) record.Record {
	out := r.Clone()

	if v, ok := out.Get(FieldAuthors); ok {
		if list, ok := v.AsList(); ok {
			names := make([]string, 0, len(list))
			for _, a := range list {
				if obj, ok := a.AsObject(); ok {
					if name, ok := obj.GetString("name"); ok {
						names = append(names, name)
					}
					continue
				}
				if s, ok := a.AsString(); ok {
					names = append(names, s)
				}
			}
			out.Set(FieldAuthors, record.String(strings.Join(names, ", ")))
		}
	}

	if v, ok := out.Get(FieldPages); ok {
		if obj, ok := v.AsObject(); ok {
			first := ""
			if f, ok := obj.Get("first"); ok {
				first = f.Text()
			}
			out.Set(FieldPages, record.String(first))
		}
	}

	return out
}

// OutcomeKind classifies the result of a page fetch.
type OutcomeKind int

const (
	// OutcomeData is a page with records.
	OutcomeData OutcomeKind = iota + 1

	// OutcomeEndOfResults means the offset is past the last page.
	OutcomeEndOfResults

	// OutcomeRateLimited means the server answered 429.
	OutcomeRateLimited

	// OutcomeError is a hard failure for the offset.
	OutcomeError
)

// String returns the outcome name.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeData:
		return "data"
	case OutcomeEndOfResults:
		return "end_of_results"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Outcome is the classified result of fetching one offset.
type Outcome struct {
	Kind   OutcomeKind
	Offset int

	// Page is set for OutcomeData.
	Page *Page

	// RetryAfter is the server wait hint for OutcomeRateLimited; zero when
	// the server sent none.
	RetryAfter time.Duration

	// Err is set for OutcomeError.
	Err error
}
