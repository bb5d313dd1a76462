package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Metadata is an open key/value column used for provider correlation ids,
// rates and fees. Stored as jsonb.
type Metadata map[string]interface{}

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func (m *Metadata) Scan(src interface{}) error {
	if src == nil {
		*m = Metadata{}
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("metadata: unsupported scan type")
	}
	return json.Unmarshal(b, m)
}

// Merge copies src keys into m, overwriting existing keys.
func (m Metadata) Merge(src Metadata) Metadata {
	if m == nil {
		m = Metadata{}
	}
	for k, v := range src {
		m[k] = v
	}
	return m
}

// String returns the string value under key, or "".
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// maxCallbackLog bounds the raw payload history kept per transaction.
const maxCallbackLog = 5

// RawCallback is one raw provider payload retained for audit.
type RawCallback struct {
	Source     string    `json:"source"`
	Event      string    `json:"event"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// CallbackLog is a bounded ring of the most recent raw callbacks.
type CallbackLog []RawCallback

func (l CallbackLog) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	return string(b), err
}

func (l *CallbackLog) Scan(src interface{}) error {
	if src == nil {
		*l = CallbackLog{}
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("callback log: unsupported scan type")
	}
	return json.Unmarshal(b, l)
}

// Append adds a callback, evicting the oldest entry past the cap.
func (l CallbackLog) Append(c RawCallback) CallbackLog {
	out := append(l, c)
	if len(out) > maxCallbackLog {
		out = out[len(out)-maxCallbackLog:]
	}
	return out
}
