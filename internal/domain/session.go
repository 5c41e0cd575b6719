// Package domain defines the core models shared by the relay components.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// Metadata holds the claims extracted from a verified session token.
type Metadata map[string]any

// String returns the claim value for key, or "" when it is absent or not a string.
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Session is the durable binding between a token and its conversation thread.
type Session struct {
	Metadata       Metadata `json:"metadata"`
	ThreadID       string   `json:"thread_id"`
	ActiveSocketID *string  `json:"active_socket_id"`
}

// HasThread reports whether a provider thread is already bound.
func (s *Session) HasThread() bool {
	return s != nil && s.ThreadID != ""
}

// ActiveSocket returns the bound socket id or "".
func (s *Session) ActiveSocket() string {
	if s == nil || s.ActiveSocketID == nil {
		return ""
	}
	return *s.ActiveSocketID
}

// SetActiveSocket binds socketID; an empty id clears the binding.
func (s *Session) SetActiveSocket(socketID string) {
	if socketID == "" {
		s.ActiveSocketID = nil
		return
	}
	id := socketID
	s.ActiveSocketID = &id
}

// Clone returns a copy that shares no pointers with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := &Session{ThreadID: s.ThreadID}
	if s.Metadata != nil {
		out.Metadata = make(Metadata, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	out.SetActiveSocket(s.ActiveSocket())
	return out
}

// Fingerprint returns a short, non-reversible identifier for a token,
// safe to put in logs and storage keys.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:16]
}
