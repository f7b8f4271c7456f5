package sinkpipeline

import (
	"encoding/json"
	"errors"
	"fmt"
)

// KeyPlaceholder is the only placeholder a matcher template understands. Any
// string value exactly equal to it is replaced by the record key.
const KeyPlaceholder = "__key"

// ErrMissingKey is returned when a matcher needs the record key and the record has none.
var ErrMissingKey = errors.New("record has no key to resolve the document matcher")

// MatcherTemplate is a document filter with KeyPlaceholder substitution, for
// example {"_id": "__key"}.
type MatcherTemplate struct {
	doc map[string]any
}

// ParseMatcherTemplate parses a JSON object template.
func ParseMatcherTemplate(raw string) (MatcherTemplate, error) {
	if raw == "" {
		return MatcherTemplate{}, nil
	}
	doc, err := DecodeValue([]byte(raw))
	if err != nil {
		return MatcherTemplate{}, NewConfigurationError("document_matcher", "%v", err)
	}
	return MatcherTemplate{doc: doc}, nil
}

// MustParseMatcherTemplate is ParseMatcherTemplate for literals known to be valid.
func MustParseMatcherTemplate(raw string) MatcherTemplate {
	m, err := ParseMatcherTemplate(raw)
	if err != nil {
		panic(err)
	}
	return m
}

// IsZero reports whether no template was configured.
func (m MatcherTemplate) IsZero() bool { return len(m.doc) == 0 }

// String renders the template as JSON.
func (m MatcherTemplate) String() string {
	b, err := json.Marshal(m.doc)
	if err != nil {
		return fmt.Sprintf("%v", m.doc)
	}
	return string(b)
}

// Resolve returns a fresh filter document for rec.
func (m MatcherTemplate) Resolve(rec Record) (map[string]any, error) {
	out, err := resolveValue(m.doc, rec)
	if err != nil {
		return nil, err
	}
	filter, _ := out.(map[string]any)
	return filter, nil
}

func resolveValue(v any, rec Record) (any, error) {
	switch t := v.(type) {
	case string:
		if t != KeyPlaceholder {
			return t, nil
		}
		if rec.Key == nil {
			return nil, ErrMissingKey
		}
		return string(rec.Key), nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			r, err := resolveValue(inner, rec)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			r, err := resolveValue(inner, rec)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}
