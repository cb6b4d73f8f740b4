package store

import (
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"carbon-scribe/mrv-registry/internal/events"
)

// AppendEvents seals evts against the persisted tail inside the current
// transaction. A sequence already taken by another writer surfaces as
// ErrConcurrentWrite and the whole mutation rolls back.
func (t *gormTx) AppendEvents(evts []events.Event) ([]events.Event, error) {
	if len(evts) == 0 {
		return nil, nil
	}
	seq, head, err := t.EventTail()
	if err != nil {
		return nil, err
	}
	sealed := make([]events.Event, 0, len(evts))
	records := make([]EventRecord, 0, len(evts))
	for _, e := range evts {
		s, err := events.Seal(e, seq, head)
		if err != nil {
			return nil, err
		}
		rec, err := toEventRecord(s)
		if err != nil {
			return nil, err
		}
		sealed = append(sealed, s)
		records = append(records, rec)
		seq, head = s.Sequence, s.Hash
	}
	if err := t.db.Create(&records).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("event %d: %w", sealed[0].Sequence, ErrConcurrentWrite)
		}
		return nil, fmt.Errorf("failed to persist events: %w", err)
	}
	return sealed, nil
}

func (t *gormTx) ListEvents(after uint64, limit int) ([]events.Event, error) {
	var recs []EventRecord
	query := t.db.Where("sequence > ?", after).Order("sequence")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	out := make([]events.Event, 0, len(recs))
	for _, rec := range recs {
		e, err := rec.toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (t *gormTx) EventTail() (uint64, string, error) {
	var rec EventRecord
	if err := t.db.Order("sequence DESC").Limit(1).Find(&rec).Error; err != nil {
		return 0, "", fmt.Errorf("failed to read event tail: %w", err)
	}
	if rec.Sequence == 0 {
		return 0, events.GenesisHash, nil
	}
	return rec.Sequence, rec.Hash, nil
}

func toEventRecord(e events.Event) (EventRecord, error) {
	payload, err := events.CanonicalData(e.Data)
	if err != nil {
		return EventRecord{}, fmt.Errorf("failed to encode event payload: %w", err)
	}
	return EventRecord{
		Sequence:   e.Sequence,
		ID:         e.ID,
		Type:       string(e.Type),
		ProjectID:  e.ProjectID,
		Actor:      e.Actor,
		Payload:    datatypes.JSON(payload),
		OccurredAt: e.OccurredAt,
		PrevHash:   e.PrevHash,
		Hash:       e.Hash,
	}, nil
}

func (rec EventRecord) toEvent() (events.Event, error) {
	data, err := events.DecodeData(rec.Payload)
	if err != nil {
		return events.Event{}, fmt.Errorf("failed to decode event %d: %w", rec.Sequence, err)
	}
	return events.Event{
		Sequence:   rec.Sequence,
		ID:         rec.ID,
		Type:       events.Type(rec.Type),
		ProjectID:  rec.ProjectID,
		Actor:      rec.Actor,
		Data:       data,
		OccurredAt: rec.OccurredAt.UTC(),
		PrevHash:   rec.PrevHash,
		Hash:       rec.Hash,
	}, nil
}
