// Package document defines the core data model shared by every
// component of livetable: documents, collections, and change records.
package document

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ID is a document identifier: a 128-bit random value in canonical
// hyphenated form on the wire.
type ID = uuid.UUID

// NewID allocates a fresh random document identifier.
func NewID() ID {
	return uuid.New()
}

// ParseID parses the canonical hyphenated form of an identifier.
func ParseID(s string) (ID, error) {
	return uuid.Parse(s)
}

// Document is one JSON record owned by exactly one collection.
type Document struct {
	ID         ID              `json:"id"`
	Collection string          `json:"collection"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Copy returns a deep copy of d. The Data payload bytes are copied
// into a fresh slice, so the copy shares no backing array with d
// across concurrent readers of the same cached document.
func (d Document) Copy() Document {
	cp := d
	if d.Data != nil {
		cp.Data = make(json.RawMessage, len(d.Data))
		copy(cp.Data, d.Data)
	}
	return cp
}

// Op identifies the kind of write that produced a change record.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ChangeRecord is an append-only event emitted for every committed
// write, per spec.md §3 "Change record".
type ChangeRecord struct {
	Seq         int64           `json:"seq"`
	Collection  string          `json:"collection"`
	DocumentID  ID              `json:"document_id"`
	Op          Op              `json:"op"`
	OldPayload  json.RawMessage `json:"old_payload,omitempty"`
	NewPayload  json.RawMessage `json:"new_payload,omitempty"`
	CapturedAt  time.Time       `json:"captured_at"`
}

// CollectionStats is one row of a list_collections result.
type CollectionStats struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}
