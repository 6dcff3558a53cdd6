// Package cloudevent sends CloudEvents 1.0 in structured JSON mode over
// HTTP and signs request bodies with HMAC-SHA256.
package cloudevent

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SpecVersion is the CloudEvents version produced by New.
const SpecVersion = "1.0"

// ErrInvalid is wrapped by Validate errors.
var ErrInvalid = errors.New("invalid cloudevent")

// CloudEvent is a CloudEvents 1.0 event with a JSON object payload.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject,omitempty"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
}

// New creates an event stamped with the current time.
func New(eventType, source, subject, id string, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}

// Validate checks the attributes every event must carry.
func (e *CloudEvent) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalid)
	}
	var missing []string
	for _, attr := range []struct{ name, value string }{
		{"specversion", e.SpecVersion},
		{"type", e.Type},
		{"source", e.Source},
		{"id", e.ID},
	} {
		if attr.value == "" {
			missing = append(missing, attr.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalid, strings.Join(missing, ", "))
	}
	if e.SpecVersion != SpecVersion {
		return fmt.Errorf("%w: unsupported specversion %q", ErrInvalid, e.SpecVersion)
	}
	return nil
}

// DataString returns a string field of the payload, or "".
func (e *CloudEvent) DataString(key string) string {
	s, _ := e.Data[key].(string)
	return s
}
