// Package wire defines the message formats exchanged between aexowork agents:
// the application envelope, the on-ledger anchor record, the off-bus payload
// carrier, and the canonical JSON, codec, and signing primitives they share.
//
// Everything that is hashed or signed goes through the canonical encoder in
// canonical.go so that independent encoders produce identical bytes.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Reserved envelope keys. Application fields ride alongside these and are
// preserved byte-for-byte through parse/serialize cycles.
const (
	keySubject   = "subject"
	keyFrom      = "fromAccountId"
	keyTo        = "to"
	keyType      = "type"
	keyTimestamp = "timestamp"
	keySignature = "signature"
)

// Envelope is the unit exchanged between agents. Subject routing, sender
// identity, and the timestamp are first-class; all other fields are opaque
// to the fabric and kept in Extra with their original JSON literals.
type Envelope struct {
	Subject   string
	From      string
	To        string
	Type      string
	Timestamp int64 // sender wall clock, unix millis
	Signature string

	// Extra holds application fields the fabric does not interpret.
	Extra map[string]json.RawMessage
}

// NewEnvelope builds an envelope for a message type with application fields.
func NewEnvelope(msgType string, fields map[string]interface{}) (*Envelope, error) {
	env := &Envelope{Type: msgType}
	for k, v := range fields {
		if err := env.SetExtra(k, v); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// SetExtra stores an application field, marshaling it to JSON. Reserved keys
// are rejected so application data cannot shadow routing fields.
func (e *Envelope) SetExtra(key string, v interface{}) error {
	switch key {
	case keySubject, keyFrom, keyTo, keyType, keyTimestamp, keySignature:
		return fmt.Errorf("envelope: %q is a reserved field", key)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("envelope: marshal field %q: %w", key, err)
	}
	if e.Extra == nil {
		e.Extra = make(map[string]json.RawMessage)
	}
	e.Extra[key] = raw
	return nil
}

// GetExtra unmarshals an application field into v.
func (e *Envelope) GetExtra(key string, v interface{}) error {
	raw, ok := e.Extra[key]
	if !ok {
		return fmt.Errorf("envelope: field %q not present", key)
	}
	return json.Unmarshal(raw, v)
}

// HasExtra reports whether an application field is present.
func (e *Envelope) HasExtra(key string) bool {
	_, ok := e.Extra[key]
	return ok
}

// Clone returns a shallow copy with an independent Extra map. The send
// pipeline stamps per-recipient fields onto clones, never the caller's value.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(e.Extra))
		for k, v := range e.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// Canonical serializes the envelope as canonical JSON. This is the byte
// sequence that gets encoded, hashed, and anchored.
func (e *Envelope) Canonical() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(e.Extra)+6)
	for k, v := range e.Extra {
		fields[k] = v
	}
	put := func(key string, v interface{}) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		fields[key] = raw
		return nil
	}
	if e.Subject != "" {
		if err := put(keySubject, e.Subject); err != nil {
			return nil, err
		}
	}
	if e.From != "" {
		if err := put(keyFrom, e.From); err != nil {
			return nil, err
		}
	}
	if e.To != "" {
		if err := put(keyTo, e.To); err != nil {
			return nil, err
		}
	}
	if e.Type != "" {
		if err := put(keyType, e.Type); err != nil {
			return nil, err
		}
	}
	if err := put(keyTimestamp, e.Timestamp); err != nil {
		return nil, err
	}
	if e.Signature != "" {
		if err := put(keySignature, e.Signature); err != nil {
			return nil, err
		}
	}
	return CanonicalObject(fields)
}

// MarshalJSON emits the canonical form so plain json.Marshal is stable too.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return e.Canonical()
}

// UnmarshalJSON parses an envelope, keeping unknown fields in Extra with
// their original literals.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	parsed, err := envelopeFromFields(fields)
	if err != nil {
		return err
	}
	*e = *parsed
	return nil
}

// ParseEnvelope decodes envelope JSON. Fails on non-object input.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	return &env, nil
}

func envelopeFromFields(fields map[string]json.RawMessage) (*Envelope, error) {
	env := &Envelope{}
	takeString := func(key string, dst *string) error {
		raw, ok := fields[key]
		if !ok {
			return nil
		}
		delete(fields, key)
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("envelope: field %q: %w", key, err)
		}
		return nil
	}
	if err := takeString(keySubject, &env.Subject); err != nil {
		return nil, err
	}
	if err := takeString(keyFrom, &env.From); err != nil {
		return nil, err
	}
	if err := takeString(keyTo, &env.To); err != nil {
		return nil, err
	}
	if err := takeString(keyType, &env.Type); err != nil {
		return nil, err
	}
	if err := takeString(keySignature, &env.Signature); err != nil {
		return nil, err
	}
	if raw, ok := fields[keyTimestamp]; ok {
		delete(fields, keyTimestamp)
		if err := json.Unmarshal(raw, &env.Timestamp); err != nil {
			return nil, fmt.Errorf("envelope: field %q: %w", keyTimestamp, err)
		}
	}
	env.To = strings.TrimSpace(env.To)
	if len(fields) > 0 {
		env.Extra = fields
	}
	return env, nil
}

// Routable reports whether the envelope can be dispatched. Messages without
// a subject are dropped at the inbound monitor.
func (e *Envelope) Routable() bool {
	return e.Subject != ""
}
