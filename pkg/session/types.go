// Package session provides durable per-session conversation transcripts.
// A transcript is the ordered list of turns exchanged between a user and the
// assistant under one session id. Transcripts are created lazily on the first
// append and are only ever mutated by appending whole exchanges or clearing.
package session

import (
	"errors"
	"strings"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	// RoleUser marks a turn typed by the user.
	RoleUser Role = "user"
	// RoleAssistant marks a turn produced by the assistant.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Turn is a single role-tagged message in a transcript.
// Turns are immutable once stored.
type Turn struct {
	// Role is who produced the turn.
	Role Role `json:"role" firestore:"role"`
	// Content is the message text.
	Content string `json:"content" firestore:"content"`
	// ExchangeID groups the turns written by one AppendAtomic call.
	// Backends use it to make a retried append idempotent.
	ExchangeID string `json:"exchangeId,omitempty" firestore:"exchange_id,omitempty"`
	// CreatedAt is when the turn was produced.
	CreatedAt time.Time `json:"createdAt" firestore:"created_at"`
}

// Transcript is the ordered history of turns for a session.
// Insertion order is conversational order.
type Transcript []Turn

// Len returns the number of turns.
func (t Transcript) Len() int { return len(t) }

// Clone returns a copy that can be modified without affecting t.
func (t Transcript) Clone() Transcript {
	if t == nil {
		return Transcript{}
	}
	out := make(Transcript, len(t))
	copy(out, t)
	return out
}

// Common errors for storage operations.
var (
	// ErrStorageClosed is returned when operating on a closed storage backend.
	ErrStorageClosed = errors.New("storage backend is closed")
	// ErrInvalidSessionID is returned for empty or unsafe session ids.
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrInvalidTurn is returned when an append contains a malformed turn.
	ErrInvalidTurn = errors.New("invalid turn")
)

const maxSessionIDLength = 256

// ValidateSessionID checks that a session id is usable as a storage key.
// It rejects empty ids, overly long ids and ids with control characters
// or path traversal sequences.
func ValidateSessionID(id string) error {
	if id == "" {
		return ErrInvalidSessionID
	}
	if len(id) > maxSessionIDLength {
		return ErrInvalidSessionID
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return ErrInvalidSessionID
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return ErrInvalidSessionID
		}
	}
	return nil
}

// validateTurns checks an append batch before it reaches a backend.
func validateTurns(turns []Turn) error {
	if len(turns) == 0 {
		return errors.Join(ErrInvalidTurn, errors.New("empty batch"))
	}
	for _, t := range turns {
		if !t.Role.Valid() {
			return errors.Join(ErrInvalidTurn, errors.New("unknown role "+string(t.Role)))
		}
	}
	return nil
}

// exchangeID returns the idempotency key shared by a batch, or "" if the
// batch does not carry one.
func exchangeID(turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}
	id := turns[0].ExchangeID
	for _, t := range turns[1:] {
		if t.ExchangeID != id {
			return ""
		}
	}
	return id
}
