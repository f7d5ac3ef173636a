package validators

import (
	"fmt"
	"sort"
	"strings"

	"github.com/plaenen/atelier/pkg/domain"
)

// Code classifies a validation result.
type Code string

const (
	CodeOK         Code = "ok"
	CodeRequired   Code = "required"
	CodeInvalid    Code = "invalid"
	CodeOutOfRange Code = "out_of_range"
)

// Result is the outcome of checking one field value.
type Result struct {
	Field   string `json:"field"`
	Value   string `json:"value"`
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`

	// Where locates the value inside a collection field, e.g. `item 2`.
	Where string `json:"where,omitempty"`
}

func pass(field, value string) Result {
	return Result{Field: field, Value: value, Code: CodeOK}
}

func fail(field, value string, code Code, format string, args ...any) Result {
	return Result{Field: field, Value: value, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Required reports a missing value that has no string form, such as a zero
// date.
func Required(field string) Result {
	return fail(field, "", CodeRequired, "%s is required.", ToUserFriendlyName(field))
}

// Valid reports whether the value passed.
func (r Result) Valid() bool {
	return r.Code == CodeOK
}

// Err converts a failed result into a *domain.Error of kind
// domain.ErrValidation. A passing result returns nil.
func (r Result) Err() error {
	if r.Valid() {
		return nil
	}
	msg := strings.TrimSuffix(r.Message, ".")
	if r.Where != "" {
		msg = r.Where + ": " + msg
	}
	return &domain.Error{Kind: domain.ErrValidation, Field: r.Field, Message: msg}
}

// Option adjusts a result as it is added to a Builder.
type Option func(*Result)

// At records where inside a collection field the value sits.
func At(format string, args ...any) Option {
	return func(r *Result) {
		r.Where = fmt.Sprintf(format, args...)
	}
}

// Builder collects results for a payload. Fields keep the order in which
// they were first added so the reported error is stable.
type Builder struct {
	fields  []string
	results map[string][]Result
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{results: make(map[string][]Result)}
}

// Add records r after applying opts.
func (b *Builder) Add(r Result, opts ...Option) *Builder {
	for _, opt := range opts {
		opt(&r)
	}
	if _, seen := b.results[r.Field]; !seen {
		b.fields = append(b.fields, r.Field)
	}
	b.results[r.Field] = append(b.results[r.Field], r)
	return b
}

// Fields returns every field checked, in first-added order.
func (b *Builder) Fields() []string {
	return append([]string(nil), b.fields...)
}

// Failures returns the failed results grouped by field in first-added order.
func (b *Builder) Failures() []Result {
	var out []Result
	for _, field := range b.fields {
		for _, r := range b.results[field] {
			if !r.Valid() {
				out = append(out, r)
			}
		}
	}
	return out
}

// Err returns the first failure as a *domain.Error, or nil when every result
// passed. Other failing fields are named in the message.
func (b *Builder) Err() error {
	failed := b.Failures()
	if len(failed) == 0 {
		return nil
	}
	err := failed[0].Err().(*domain.Error)

	var others []string
	seen := map[string]bool{failed[0].Field: true}
	for _, r := range failed[1:] {
		if !seen[r.Field] {
			seen[r.Field] = true
			others = append(others, r.Field)
		}
	}
	if len(others) > 0 {
		sort.Strings(others)
		err.Message += " (also invalid: " + strings.Join(others, ", ") + ")"
	}
	return err
}
