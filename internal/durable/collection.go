// Package durable defines the persistent, ordered document collection that holds
// committed shapes, and ships a gorm/SQLite implementation of it.
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrDocumentNotFound indicates an update or delete addressed a missing document.
	ErrDocumentNotFound = errors.New("durable: document not found")
	// ErrInvalidDocumentID indicates an empty or oversized document identifier.
	ErrInvalidDocumentID = errors.New("durable: invalid document id")
	// ErrInvalidCollection indicates an empty or oversized collection name.
	ErrInvalidCollection = errors.New("durable: invalid collection name")
	// ErrInvalidPayload indicates a payload that is not a JSON object.
	ErrInvalidPayload = errors.New("durable: invalid payload")
)

// Document is one record of a collection. Payload holds the document fields as a JSON
// object; OrderKey drives the snapshot ordering together with ID.
type Document struct {
	ID       string
	OrderKey int64
	Payload  json.RawMessage
}

// Decode unmarshals the payload into target.
func (d Document) Decode(target any) error {
	if len(d.Payload) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	return json.Unmarshal(d.Payload, target)
}

// Collection is the ordered document store consumed by the shape bridge.
type Collection interface {
	// Set creates or replaces a document.
	Set(ctx context.Context, document Document) error
	// Update merges fields into an existing document's payload.
	Update(ctx context.Context, id string, fields map[string]any) error
	// Delete removes one document.
	Delete(ctx context.Context, id string) error
	// BatchDelete removes every listed document atomically.
	BatchDelete(ctx context.Context, ids []string) error
	// List returns the current documents ordered by OrderKey then ID.
	List(ctx context.Context) ([]Document, error)
	// Subscribe delivers the full ordered document set now and after every commit.
	Subscribe(ctx context.Context, handler func([]Document)) (cancel func(), err error)
}

// ValidateDocumentID trims and bounds a document identifier.
func ValidateDocumentID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return trimmed, nil
}

func validateCollectionName(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCollection)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCollection, maxIdentifierLength)
	}
	return trimmed, nil
}

func validatePayload(payload json.RawMessage) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrInvalidPayload)
	}
	return fields, nil
}
