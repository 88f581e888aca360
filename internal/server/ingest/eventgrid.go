package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/hashledger/internal/common"
)

// Event Grid event types.
const (
	EventBlobCreated            = "Microsoft.Storage.BlobCreated"
	EventBlobDeleted            = "Microsoft.Storage.BlobDeleted"
	EventSubscriptionValidation = "Microsoft.EventGrid.SubscriptionValidationEvent"
)

// Event is one entry of an Event Grid delivery.
type Event struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic,omitempty"`
	Subject     string          `json:"subject"`
	EventType   string          `json:"eventType"`
	EventTime   time.Time       `json:"eventTime"`
	Data        json.RawMessage `json:"data"`
	DataVersion string          `json:"dataVersion,omitempty"`
}

type storageEventData struct {
	API           string `json:"api"`
	ContentType   string `json:"contentType"`
	ContentLength int64  `json:"contentLength"`
	URL           string `json:"url"`
}

type validationEventData struct {
	ValidationCode string `json:"validationCode"`
	ValidationURL  string `json:"validationUrl"`
}

// ParseEvents decodes a delivery body. Event Grid posts an array; a single
// event object is accepted too.
func ParseEvents(body []byte) ([]Event, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty event payload", common.ErrorValidation)
	}

	var events []Event
	if body[0] == '{' {
		var e Event
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, fmt.Errorf("%w: decode event: %w", common.ErrorValidation, err)
		}
		events = []Event{e}
	} else if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("%w: decode events: %w", common.ErrorValidation, err)
	}
	return events, nil
}

// ValidationCode returns the handshake code when the delivery is a
// subscription validation.
func ValidationCode(events []Event) (string, bool) {
	for _, e := range events {
		if e.EventType != EventSubscriptionValidation {
			continue
		}
		var d validationEventData
		if err := json.Unmarshal(e.Data, &d); err != nil || d.ValidationCode == "" {
			return "", false
		}
		return d.ValidationCode, true
	}
	return "", false
}

// Notification returns the pipeline input carried by an event.
func (e Event) Notification() Notification {
	n := Notification{ID: e.ID, EventType: e.EventType}
	var d storageEventData
	if len(e.Data) > 0 && json.Unmarshal(e.Data, &d) == nil {
		n.URL = d.URL
	}
	return n
}

// IsObjectCreated reports whether eventType announces a new object.
// Besides the Event Grid type, S3 style names such as
// "s3:ObjectCreated:Put" or "ObjectCreated:Put" are recognised.
func IsObjectCreated(eventType string) bool {
	if eventType == EventBlobCreated {
		return true
	}
	t := strings.TrimPrefix(eventType, "s3:")
	return strings.HasPrefix(t, "ObjectCreated:")
}
