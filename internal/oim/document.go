// Package oim reads xBRL-JSON (OIM) fact documents produced by Arelle and
// flattens them into uniform fact rows.
//
// The encoding is loose in practice: facts may be an object keyed by fact
// id or a plain list, may sit at the top level or one level under
// "report", and individual fields appear under short or long key names
// depending on the producing tool version.
package oim

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrNotFactDocument is returned for JSON that has no facts mapping or list.
var ErrNotFactDocument = errors.New("not an OIM fact document")

// Document is a decoded fact document with fact order preserved.
type Document struct {
	facts []entry
}

// entry is one item of the facts collection. Key is the fact id for
// object-shaped collections and "" for lists.
type entry struct {
	Key   string
	Value any
}

// Len returns the number of entries in the facts collection.
func (d *Document) Len() int { return len(d.facts) }

// IsFactDocument reports whether data is JSON whose "facts" (directly or
// under "report") is an object or a list. It does not validate the facts.
func IsFactDocument(data []byte) bool {
	_, err := locateFacts(data)
	return err == nil
}

// IsFactDocumentFile is IsFactDocument for a file on disk. Unreadable files
// are not fact documents.
func IsFactDocumentFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return IsFactDocument(data)
}

// Parse decodes a fact document.
func Parse(data []byte) (*Document, error) {
	raw, err := locateFacts(data)
	if err != nil {
		return nil, err
	}
	facts, err := decodeFacts(raw)
	if err != nil {
		return nil, err
	}
	return &Document{facts: facts}, nil
}

// ParseFile reads and decodes a fact document from path.
func ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fact document: %w", err)
	}
	return Parse(data)
}

// locateFacts returns the raw facts collection, trying the top level
// first and then "report".
func locateFacts(data []byte) (json.RawMessage, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, ErrNotFactDocument
	}
	if raw, ok := top["facts"]; ok && isCollection(raw) {
		return raw, nil
	}
	if rep, ok := top["report"]; ok {
		var report map[string]json.RawMessage
		if err := json.Unmarshal(rep, &report); err == nil {
			if raw, ok := report["facts"]; ok && isCollection(raw) {
				return raw, nil
			}
		}
	}
	return nil, ErrNotFactDocument
}

// isCollection reports whether raw is a JSON object or array.
func isCollection(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// decodeFacts walks the collection with a token decoder so object-shaped
// collections keep their document order.
func decodeFacts(raw json.RawMessage) ([]entry, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decode facts: %w", err)
	}

	var out []entry
	switch tok {
	case json.Delim('{'):
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("decode fact id: %w", err)
			}
			key, _ := keyTok.(string)
			var v any
			if err := dec.Decode(&v); err != nil {
				return nil, fmt.Errorf("decode fact %q: %w", key, err)
			}
			out = append(out, entry{Key: key, Value: v})
		}
	case json.Delim('['):
		for dec.More() {
			var v any
			if err := dec.Decode(&v); err != nil {
				return nil, fmt.Errorf("decode fact %d: %w", len(out), err)
			}
			out = append(out, entry{Value: v})
		}
	default:
		return nil, ErrNotFactDocument
	}
	return out, nil
}
