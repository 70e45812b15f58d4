// Package audit signs stored audit records so tampering is detectable.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// EventSigner computes HMAC-SHA256 signatures over audit records.
type EventSigner struct {
	secretKey []byte
}

func NewEventSigner(secretKey string) *EventSigner {
	return &EventSigner{
		secretKey: []byte(secretKey),
	}
}

// Sign covers the record id, its event time (UTC, RFC 3339 with
// nanoseconds), the acting principal and the canonical record body.
func (s *EventSigner) Sign(eventID string, timestamp time.Time, actor string, data []byte) string {
	h := hmac.New(sha256.New, s.secretKey)
	h.Write([]byte(eventID))
	h.Write([]byte{0})
	h.Write([]byte(timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write([]byte(actor))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches the record.
func (s *EventSigner) Verify(eventID string, timestamp time.Time, actor string, data []byte, signature string) bool {
	expected := s.Sign(eventID, timestamp, actor, data)
	return hmac.Equal([]byte(expected), []byte(signature))
}
