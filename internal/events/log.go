package events

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// GenesisHash is the PrevHash of the first event.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrChainBroken is returned by Verify when an event does not link to its predecessor.
var ErrChainBroken = errors.New("event chain broken")

// Seal assigns e the sequence after seq, links it to prevHash and computes its
// hash. OccurredAt defaults to now and is truncated to microseconds so the
// hash survives a round trip through Postgres.
func Seal(e Event, seq uint64, prevHash string) (Event, error) {
	e.Sequence = seq + 1
	e.PrevHash = prevHash
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	e.OccurredAt = e.OccurredAt.UTC().Truncate(time.Microsecond)
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	hash, err := hashEvent(e)
	if err != nil {
		return Event{}, err
	}
	e.Hash = hash
	return e, nil
}

// Log is an append-only, hash-chained sequence of events held in memory.
// With a retention limit only the most recent events are kept; the hash of
// the last dropped event anchors the retained window.
type Log struct {
	mu       sync.RWMutex
	retain   int
	base     uint64
	baseHash string
	events   []Event
}

// NewLog creates an empty, unbounded log.
func NewLog() *Log {
	return NewLogWithRetention(0)
}

// NewLogWithRetention creates an empty log keeping at most retain events.
// Zero keeps everything.
func NewLogWithRetention(retain int) *Log {
	return &Log{retain: retain, baseHash: GenesisHash}
}

// Tail returns the sequence and hash of the last event.
func (l *Log) Tail() (uint64, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tail()
}

func (l *Log) tail() (uint64, string) {
	if n := len(l.events); n > 0 {
		return l.events[n-1].Sequence, l.events[n-1].Hash
	}
	return l.base, l.baseHash
}

// Append seals e against the current tail and commits it.
func (l *Log) Append(e Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq, head := l.tail()
	sealed, err := Seal(e, seq, head)
	if err != nil {
		return Event{}, err
	}
	l.commit(sealed)
	return sealed, nil
}

// Commit appends already sealed events. They must continue the chain.
func (l *Log) Commit(evts ...Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq, head := l.tail()
	if err := VerifyFrom(seq, head, evts); err != nil {
		return err
	}
	l.commit(evts...)
	return nil
}

func (l *Log) commit(evts ...Event) {
	l.events = append(l.events, evts...)
	if l.retain <= 0 || len(l.events) <= l.retain {
		return
	}
	drop := len(l.events) - l.retain
	l.base = l.events[drop-1].Sequence
	l.baseHash = l.events[drop-1].Hash
	// Reslicing lets the next growing append release the dropped prefix.
	l.events = l.events[drop:]
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Since returns up to limit retained events with a sequence greater than seq.
// A limit of zero or less returns all of them.
func (l *Log) Since(seq uint64, limit int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq < l.base {
		seq = l.base
	}
	start := seq - l.base
	if start >= uint64(len(l.events)) {
		return nil
	}
	end := uint64(len(l.events))
	if limit > 0 && start+uint64(limit) < end {
		end = start + uint64(limit)
	}
	return append([]Event(nil), l.events[start:end]...)
}

// Head returns the hash of the last event, or GenesisHash for an empty log.
func (l *Log) Head() string {
	_, head := l.Tail()
	return head
}

// Verify recomputes every retained hash and checks each link.
func (l *Log) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return VerifyFrom(l.base, l.baseHash, l.events)
}

// VerifyChain checks a sequence of events starting at the genesis hash.
func VerifyChain(chain []Event) error {
	return VerifyFrom(0, GenesisHash, chain)
}

// VerifyFrom checks that chain continues the event with sequence seq and hash prev.
func VerifyFrom(seq uint64, prev string, chain []Event) error {
	for i, e := range chain {
		if want := seq + uint64(i) + 1; e.Sequence != want {
			return fmt.Errorf("%w: expected sequence %d, got %d", ErrChainBroken, want, e.Sequence)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("%w: event %d does not link to its predecessor", ErrChainBroken, e.Sequence)
		}
		hash, err := hashEvent(e)
		if err != nil {
			return err
		}
		if hash != e.Hash {
			return fmt.Errorf("%w: event %d hash mismatch", ErrChainBroken, e.Sequence)
		}
		prev = e.Hash
	}
	return nil
}

type hashedFields struct {
	Sequence   uint64          `json:"sequence"`
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	ProjectID  string          `json:"project_id"`
	Actor      string          `json:"actor"`
	Data       json.RawMessage `json:"data"`
	OccurredAt int64           `json:"occurred_at"`
	PrevHash   string          `json:"prev_hash"`
}

func hashEvent(e Event) (string, error) {
	data, err := CanonicalData(e.Data)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(hashedFields{
		Sequence:   e.Sequence,
		ID:         e.ID.String(),
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		Actor:      e.Actor,
		Data:       data,
		OccurredAt: e.OccurredAt.UnixNano(),
		PrevHash:   e.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode event: %w", err)
	}
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
