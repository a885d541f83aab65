// Package ident generates the platform's identifiers and canonical payload
// fingerprints. IDs are prefixed UUIDs so a bare string in a log line is
// self-describing.
package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// ID prefixes.
const (
	PrefixEvent        = "evt"
	PrefixIntent       = "int"
	PrefixSnapshot     = "snap"
	PrefixDeadLetter   = "dl"
	PrefixSubscription = "sub"
)

// New returns a prefixed UUIDv4, e.g. "evt_6b3f...".
func New(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// NewEventID returns an event identifier.
func NewEventID() string { return New(PrefixEvent) }

// NewIntentID returns an intent identifier.
func NewIntentID() string { return New(PrefixIntent) }

// NewSnapshotID returns a snapshot identifier.
func NewSnapshotID() string { return New(PrefixSnapshot) }

// NewDeadLetterID returns a dead-letter identifier.
func NewDeadLetterID() string { return New(PrefixDeadLetter) }

// Fingerprint computes "sha256:<hex>" over the RFC 8785 canonical JSON form
// of v. Two payloads that differ only in key order or whitespace produce the
// same fingerprint; any semantic difference produces a different one. The
// pipeline uses this to tell an idempotent replay from a key collision.
func Fingerprint(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal for fingerprint: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize for fingerprint: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
