package events

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/platinummonkey/zenith/pkg/scheduler"
)

// Reserved metadata keys answered from the event itself.
const (
	KeySourceID   = "source_id"
	KeySeqNo      = "seq_no"
	KeyPriority   = "priority"
	KeyPayloadLen = "payload_len"
)

// Event is one record from the data plane.
type Event struct {
	SourceID int32              `json:"source_id"`
	SeqNo    int64              `json:"seq_no"`
	Priority scheduler.Priority `json:"priority"`
	// Target names a single plugin. Empty means every active plugin.
	Target   string            `json:"target,omitempty"`
	Payload  []byte            `json:"payload,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Lookup returns the value of key. Reserved keys shadow metadata entries.
func (e *Event) Lookup(key string) (string, bool) {
	switch key {
	case KeySourceID:
		return strconv.FormatInt(int64(e.SourceID), 10), true
	case KeySeqNo:
		return strconv.FormatInt(e.SeqNo, 10), true
	case KeyPriority:
		return e.Priority.String(), true
	case KeyPayloadLen:
		return strconv.Itoa(len(e.Payload)), true
	}
	v, ok := e.Metadata[key]
	return v, ok
}

// Decode parses a JSON encoded event. A missing priority is normal.
func Decode(data []byte) (*Event, error) {
	e := &Event{Priority: scheduler.PriorityNormal}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if !e.Priority.Valid() {
		return nil, fmt.Errorf("decode event: invalid priority %d", int(e.Priority))
	}
	return e, nil
}

// Encode returns the JSON form read by Decode.
func Encode(e *Event) ([]byte, error) {
	return json.Marshal(e)
}
