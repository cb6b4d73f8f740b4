// Package events carries the registry's audit events: an append-only
// hash-chained log and a bus that fans committed events out to sinks.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type names a registry event.
type Type string

const (
	ProjectCreated       Type = "ProjectCreated"
	ProjectStatusChanged Type = "ProjectStatusChanged"
	MRVDataSubmitted     Type = "MRVDataSubmitted"
	MRVDataVerified      Type = "MRVDataVerified"
	BatchCreated         Type = "BatchCreated"
	CreditsIssued        Type = "CreditsIssued"
	CreditsTransferred   Type = "CreditsTransferred"
	CreditsRetired       Type = "CreditsRetired"
	RoleGranted          Type = "RoleGranted"
	RoleRevoked          Type = "RoleRevoked"
	RegistryPaused       Type = "RegistryPaused"
	RegistryUnpaused     Type = "RegistryUnpaused"
)

// Event is one entry of the audit log. Sequence, PrevHash and Hash are
// assigned when the event is appended.
type Event struct {
	Sequence   uint64         `json:"sequence"`
	ID         uuid.UUID      `json:"id"`
	Type       Type           `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	Actor      string         `json:"actor"`
	Data       map[string]any `json:"data"`
	OccurredAt time.Time      `json:"occurred_at"`
	PrevHash   string         `json:"prev_hash"`
	Hash       string         `json:"hash"`
}

// New builds an unsequenced event.
func New(typ Type, actor, projectID string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		ID:        uuid.New(),
		Type:      typ,
		ProjectID: projectID,
		Actor:     actor,
		Data:      data,
	}
}

// UnmarshalJSON decodes numbers in Data as json.Number so integers above 2^53
// keep their exact value and the event still hashes to its Hash.
func (e *Event) UnmarshalJSON(b []byte) error {
	type plain Event
	var raw struct {
		plain
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	data, err := DecodeData(raw.Data)
	if err != nil {
		return err
	}
	*e = Event(raw.plain)
	e.Data = data
	return nil
}

// DecodeData decodes an event payload, keeping numbers as json.Number.
func DecodeData(b []byte) (map[string]any, error) {
	data := map[string]any{}
	if len(bytes.TrimSpace(b)) == 0 || bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return data, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode event data: %w", err)
	}
	return data, nil
}

// CanonicalData encodes data with sorted keys and numbers in their shortest
// exact form, independent of the Go types holding the values.
func CanonicalData(data map[string]any) ([]byte, error) {
	if len(data) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event data: %w", err)
	}
	decoded, err := DecodeData(b)
	if err != nil {
		return nil, err
	}
	return json.Marshal(decoded)
}
