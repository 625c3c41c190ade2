package traffic

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const maxBodyChars = 2048

// Event types for captured adapter traffic.
const (
	TypeRequest  = "llm_request"
	TypeResponse = "llm_response"
	TypeError    = "llm_error"
)

// Event is one captured side of an adapter exchange. A request event
// and its response (or error) event share a PairID.
type Event struct {
	ID          string            `json:"id"`
	TS          time.Time         `json:"ts"`
	Type        string            `json:"type"`
	Service     string            `json:"service"`
	Method      string            `json:"method,omitempty"`
	URL         string            `json:"url,omitempty"`
	ReqHeaders  map[string]string `json:"req_headers,omitempty"`
	ReqBody     string            `json:"req_body,omitempty"`
	Status      int               `json:"status,omitempty"`
	ElapsedMS   int64             `json:"elapsed_ms,omitempty"`
	RespHeaders map[string]string `json:"resp_headers,omitempty"`
	RespBody    string            `json:"resp_body,omitempty"`
	Error       string            `json:"error,omitempty"`
	PairID      string            `json:"pair_id,omitempty"`
}

// Buffer keeps the most recent events in a fixed-size ring. Writers
// never block and old events silently fall off.
type Buffer struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

// NewBuffer creates a ring holding up to size events.
func NewBuffer(size int) *Buffer {
	if size < 1 {
		size = 1
	}
	return &Buffer{
		events: make([]Event, size),
	}
}

// Record appends an event, evicting the oldest when the ring is full.
// Missing IDs and timestamps are filled in.
func (b *Buffer) Record(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[b.next] = ev
	b.next++
	if b.next == len(b.events) {
		b.next = 0
		b.full = true
	}
}

// Snapshot returns events oldest-first. A positive limit keeps only the
// most recent limit events.
func (b *Buffer) Snapshot(limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Event
	if b.full {
		out = make([]Event, 0, len(b.events))
		out = append(out, b.events[b.next:]...)
		out = append(out, b.events[:b.next]...)
	} else {
		out = make([]Event, b.next)
		copy(out, b.events[:b.next])
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Clear drops all events and reports how many were dropped.
func (b *Buffer) Clear() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.next
	if b.full {
		n = len(b.events)
	}
	b.next = 0
	b.full = false
	for i := range b.events {
		b.events[i] = Event{}
	}
	return n
}

// Len reports the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.events)
	}
	return b.next
}

var secretQueryParams = map[string]bool{
	"key":          true,
	"api_key":      true,
	"apikey":       true,
	"token":        true,
	"access_token": true,
}

var secretHeaders = map[string]bool{
	"authorization":  true,
	"api-key":        true,
	"x-api-key":      true,
	"x-goog-api-key": true,
}

// RedactURL masks credential-bearing query parameters so captured
// traffic can be shown without leaking keys.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	q := u.Query()
	changed := false
	for name := range q {
		if secretQueryParams[strings.ToLower(name)] {
			q.Set(name, "***")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// RedactHeaders flattens headers to single values, masking credentials.
func RedactHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		if secretHeaders[strings.ToLower(name)] {
			out[name] = "***"
		} else {
			out[name] = values[0]
		}
	}
	return out
}

// TruncateBody caps a captured body so one verbose exchange cannot
// dominate the buffer.
func TruncateBody(body string) string {
	if len(body) <= maxBodyChars {
		return body
	}
	return body[:maxBodyChars] + "...(truncated)"
}
