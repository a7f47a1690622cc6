// Package session holds the in-memory conversation state: an arena of
// sessions indexed by id, the concurrency gate that serializes access to it,
// and the memory monitor that watches its byte counters.
//
// The arena is the sole owner of session data. Every other component holds
// only id-based references; reads hand out copies, never live handles.
package session

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MetaKind tags the type carried by a MetaValue.
type MetaKind string

const (
	MetaString MetaKind = "string"
	MetaInt    MetaKind = "int"
	MetaFloat  MetaKind = "float"
	MetaBool   MetaKind = "bool"
)

// MetaValue is a closed tagged value for message metadata. Using a closed
// variant instead of map[string]any keeps serialization and validation total.
type MetaValue struct {
	Kind  MetaKind `json:"kind"`
	Str   string   `json:"str,omitempty"`
	Int   int64    `json:"int,omitempty"`
	Float float64  `json:"float,omitempty"`
	Bool  bool     `json:"bool,omitempty"`
}

// MetaStr wraps a string metadata value.
func MetaStr(v string) MetaValue { return MetaValue{Kind: MetaString, Str: v} }

// MetaNum wraps an integer metadata value.
func MetaNum(v int64) MetaValue { return MetaValue{Kind: MetaInt, Int: v} }

// MetaFlt wraps a float metadata value.
func MetaFlt(v float64) MetaValue { return MetaValue{Kind: MetaFloat, Float: v} }

// MetaFlag wraps a boolean metadata value.
func MetaFlag(v bool) MetaValue { return MetaValue{Kind: MetaBool, Bool: v} }

// Metadata is an optional structured payload attached to a message.
type Metadata map[string]MetaValue

// Message is one conversation turn. Messages are immutable once created;
// ordering within a session is by non-decreasing timestamp with ties broken
// by insertion order.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Content   string    `json:"content"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  Metadata  `json:"metadata,omitempty"`
}

// SizeBytes is the message's contribution to session byte counters.
func (m Message) SizeBytes() int64 { return int64(len(m.Content)) }

// Session is a point-in-time copy of one conversation's state.
type Session struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Messages       []Message `json:"messages"`
	Bytes          int64     `json:"bytes"`
}
