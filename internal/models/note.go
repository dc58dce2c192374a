// Package models defines the domain types shared across Synapse packages.
package models

import (
	"slices"
	"time"
)

// Note is the registry's authoritative record of one note.
type Note struct {
	ID          string    `json:"id"`
	Seq         uint64    `json:"seq"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Text        string    `json:"text"`
	Concepts    []string  `json:"concepts"`
	Embedding   []float32 `json:"-"`
	ContentHash string    `json:"content_hash"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasVector reports whether the note owns a vector index entry.
func (n Note) HasVector() bool {
	return len(n.Embedding) > 0
}

// Clone returns a deep copy so callers can never alias registry state.
func (n Note) Clone() Note {
	n.Concepts = slices.Clone(n.Concepts)
	n.Embedding = slices.Clone(n.Embedding)
	return n
}

// NoteMetadata is a lightweight representation returned by vault list operations.
type NoteMetadata struct {
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Reason explains which signal made a link pass the acceptance threshold.
type Reason string

const (
	ReasonSimilarity    Reason = "similarity"
	ReasonSharedConcept Reason = "shared-concept"
	ReasonBoth          Reason = "both"
)

// Link represents a directed edge between two notes.
type Link struct {
	Source  string  `json:"source"`
	Target  string  `json:"target"`
	Reason  Reason  `json:"reason"`
	Score   float64 `json:"score"`
	Cosine  float64 `json:"cosine"`
	Overlap float64 `json:"overlap"`
}

// Override records a link the user removed. It stays in force until either
// endpoint's embedding drifts away from the vectors captured here.
type Override struct {
	Source       string    `json:"source"`
	Target       string    `json:"target"`
	ContentHash  string    `json:"content_hash"`
	SourceVector []float32 `json:"-"`
	TargetVector []float32 `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// RefKind says how an author referred to another note.
type RefKind string

const (
	RefWikilink RefKind = "wikilink"
	RefMention  RefKind = "mention"
)

// Reference is a link written in a note's text rather than scored. Target is
// empty for a wikilink naming no note.
type Reference struct {
	Source string  `json:"source"`
	Target string  `json:"target,omitempty"`
	Label  string  `json:"label"`
	Kind   RefKind `json:"kind"`
}
