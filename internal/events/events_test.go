package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLog_AppendChainsHashes(t *testing.T) {
	l := NewLog()
	assert.Equal(t, GenesisHash, l.Head())

	first, err := l.Append(New(ProjectCreated, "alice", "p1", map[string]any{"name": "Mangroves"}))
	require.NoError(t, err)
	second, err := l.Append(New(MRVDataSubmitted, "alice", "p1", map[string]any{"record_id": uint64(1)}))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, GenesisHash, first.PrevHash)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.Equal(t, second.Hash, l.Head())
	assert.Len(t, first.Hash, 64)
	assert.NoError(t, l.Verify())
}

func TestLog_VerifyDetectsTampering(t *testing.T) {
	l := NewLog()
	for i := 0; i < 3; i++ {
		_, err := l.Append(New(CreditsIssued, "minter", "p1", map[string]any{"amount": int64(100 + i)}))
		require.NoError(t, err)
	}
	chain := l.Since(0, 0)
	require.Len(t, chain, 3)
	require.NoError(t, VerifyChain(chain))

	chain[1].Data = map[string]any{"amount": int64(1_000_000)}
	err := VerifyChain(chain)
	assert.ErrorIs(t, err, ErrChainBroken)

	chain = l.Since(0, 0)
	chain = append(chain[:1], chain[2:]...)
	assert.ErrorIs(t, VerifyChain(chain), ErrChainBroken)
}

func TestLog_Since(t *testing.T) {
	l := NewLog()
	for i := 0; i < 4; i++ {
		_, err := l.Append(New(RoleGranted, "admin", "", nil))
		require.NoError(t, err)
	}
	tail := l.Since(2, 0)
	require.Len(t, tail, 2)
	assert.Equal(t, uint64(3), tail[0].Sequence)
	assert.Nil(t, l.Since(4, 0))
	assert.Equal(t, 4, l.Len())

	page := l.Since(0, 3)
	require.Len(t, page, 3)
	assert.Equal(t, uint64(3), page[2].Sequence)
}

func TestLog_RetentionKeepsAnchor(t *testing.T) {
	l := NewLogWithRetention(3)
	var all []Event
	for i := 0; i < 5; i++ {
		e, err := l.Append(New(CreditsIssued, "minter", "p1", map[string]any{"amount": int64(i)}))
		require.NoError(t, err)
		all = append(all, e)
	}
	assert.Equal(t, 3, l.Len())
	assert.NoError(t, l.Verify())
	seq, head := l.Tail()
	assert.Equal(t, uint64(5), seq)
	assert.Equal(t, all[4].Hash, head)

	// Pruned events are no longer served.
	kept := l.Since(0, 0)
	require.Len(t, kept, 3)
	assert.Equal(t, uint64(3), kept[0].Sequence)
	assert.Equal(t, all[1].Hash, kept[0].PrevHash)
	assert.NoError(t, VerifyChain(all))
}

func TestLog_CommitRequiresContinuation(t *testing.T) {
	l := NewLog()
	first, err := Seal(New(RoleGranted, "admin", "", nil), 0, GenesisHash)
	require.NoError(t, err)
	require.NoError(t, l.Commit(first))

	stale, err := Seal(New(RoleGranted, "admin", "", nil), 0, GenesisHash)
	require.NoError(t, err)
	assert.ErrorIs(t, l.Commit(stale), ErrChainBroken)
	assert.Equal(t, 1, l.Len())

	next, err := Seal(New(RoleGranted, "admin", "", nil), first.Sequence, first.Hash)
	require.NoError(t, err)
	require.NoError(t, l.Commit(next))
	assert.Equal(t, next.Hash, l.Head())
}

func TestEvent_JSONRoundTripKeepsLargeIntegers(t *testing.T) {
	e, err := Seal(New(CreditsIssued, "minter", "p1", map[string]any{
		"amount":   int64(9007199254740993),
		"max":      int64(math.MaxInt64),
		"batch_id": uint64(7),
	}), 0, GenesisHash)
	require.NoError(t, err)

	raw, err := json.Marshal(e)
	require.NoError(t, err)
	var decoded Event
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, json.Number("9007199254740993"), decoded.Data["amount"])
	assert.NoError(t, VerifyChain([]Event{decoded}))
	assert.Equal(t, e.Hash, decoded.Hash)
}

func TestSeal_TruncatesTimeToMicroseconds(t *testing.T) {
	at := time.Date(2026, time.March, 1, 10, 0, 0, 123456789, time.FixedZone("CET", 3600))
	e := New(ProjectCreated, "alice", "p1", nil)
	e.OccurredAt = at
	sealed, err := Seal(e, 0, GenesisHash)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, sealed.OccurredAt.Location())
	assert.Equal(t, 123456000, sealed.OccurredAt.Nanosecond())
	assert.NotNil(t, sealed.Data)
}

type failingSink struct{ calls int }

func (f *failingSink) Name() string { return "failing" }

func (f *failingSink) Write(context.Context, Event) error {
	f.calls++
	return errors.New("unavailable")
}

type recordingSink struct{ got []Event }

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Write(_ context.Context, e Event) error {
	r.got = append(r.got, e)
	return nil
}

func TestBus_SinkFailureIsLoggedNotReturned(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	bus := NewBus(zap.New(core))
	l := NewLog()
	batch, err := l.Append(New(BatchCreated, "minter", "p1", nil))
	require.NoError(t, err)
	issued, err := l.Append(New(CreditsIssued, "minter", "p1", nil))
	require.NoError(t, err)

	failing := &failingSink{}
	recording := &recordingSink{}
	bus.AddSink(failing)
	bus.AddSink(recording)

	var handled []Type
	bus.Subscribe(func(e Event) { handled = append(handled, e.Type) })

	bus.Publish(context.Background(), batch, issued)

	assert.Equal(t, []Type{BatchCreated, CreditsIssued}, handled)
	assert.Equal(t, 2, failing.calls)
	require.Len(t, recording.got, 2)
	assert.Equal(t, uint64(2), recording.got[1].Sequence)
	assert.Equal(t, 2, logs.FilterMessage("Event sink failed").Len())
}

type MockSNSPublisher struct {
	mock.Mock
}

func (m *MockSNSPublisher) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sns.PublishOutput), args.Error(1)
}

func TestSNSSink_Write(t *testing.T) {
	client := new(MockSNSPublisher)
	sink := NewSNSSink(client, "arn:aws:sns:us-east-1:123456789012:registry-events")

	l := NewLog()
	e, err := l.Append(New(CreditsRetired, "holder", "p1", map[string]any{"amount": int64(5)}))
	require.NoError(t, err)

	client.On("Publish", mock.Anything, mock.MatchedBy(func(in *sns.PublishInput) bool {
		var decoded Event
		if err := json.Unmarshal([]byte(*in.Message), &decoded); err != nil {
			return false
		}
		return *in.TopicArn == "arn:aws:sns:us-east-1:123456789012:registry-events" &&
			decoded.Hash == e.Hash &&
			*in.MessageAttributes["event_type"].StringValue == "CreditsRetired" &&
			*in.MessageAttributes["project_id"].StringValue == "p1"
	})).Return(&sns.PublishOutput{}, nil).Once()

	assert.NoError(t, sink.Write(context.Background(), e))
	client.AssertExpectations(t)
}

func TestSNSSink_WriteError(t *testing.T) {
	client := new(MockSNSPublisher)
	sink := NewSNSSink(client, "arn")
	client.On("Publish", mock.Anything, mock.Anything).Return(nil, errors.New("throttled"))

	err := sink.Write(context.Background(), New(RegistryPaused, "admin", "", nil))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

type MockObjectStore struct {
	mock.Mock
	objects map[string]string
}

func (m *MockObjectStore) Upload(ctx context.Context, bucket, key, contentType string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if err := m.Called(bucket, key, contentType, string(data)).Error(0); err != nil {
		return err
	}
	if m.objects == nil {
		m.objects = map[string]string{}
	}
	m.objects[bucket+"/"+key] = string(data)
	return nil
}

func (m *MockObjectStore) Download(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return io.NopCloser(strings.NewReader(data)), nil
}

func (m *MockObjectStore) GetPresignedURL(ctx context.Context, bucket, key string, expiration time.Duration) (string, error) {
	args := m.Called(bucket, key, expiration)
	return args.String(0), args.Error(1)
}

func TestArchiveSink_Write(t *testing.T) {
	objects := new(MockObjectStore)
	sink := NewArchiveSink(objects, "mrv-audit", "events/")

	l := NewLog()
	e, err := l.Append(New(ProjectCreated, "alice", "p1", nil))
	require.NoError(t, err)

	objects.On("Upload", "mrv-audit", "events/00000000000000000001.json", "application/json",
		mock.MatchedBy(func(body string) bool {
			var decoded Event
			return json.Unmarshal([]byte(body), &decoded) == nil && decoded.Hash == e.Hash
		})).Return(nil).Once()

	require.NoError(t, sink.Write(context.Background(), e))
	objects.AssertExpectations(t)
	assert.Less(t, sink.Key(9), sink.Key(10))
}

func TestArchiveSink_VerifyAndURL(t *testing.T) {
	objects := new(MockObjectStore)
	objects.On("Upload", "mrv-audit", mock.Anything, "application/json", mock.Anything).Return(nil)
	objects.On("GetPresignedURL", "mrv-audit", "events/00000000000000000002.json", 10*time.Minute).
		Return("https://objects.example/events/2", nil)
	sink := NewArchiveSink(objects, "mrv-audit", "events/")
	ctx := context.Background()

	l := NewLog()
	var chain []Event
	for i := 0; i < 2; i++ {
		e, err := l.Append(New(CreditsIssued, "minter", "p1", map[string]any{"amount": int64(9007199254740993)}))
		require.NoError(t, err)
		require.NoError(t, sink.Write(ctx, e))
		chain = append(chain, e)
	}

	fetched, err := sink.Fetch(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, chain[1].Hash, fetched.Hash)
	assert.NoError(t, sink.Verify(ctx, chain[1]))

	url, err := sink.URL(ctx, 2, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "https://objects.example/events/2", url)

	tampered := chain[0]
	tampered.Data = map[string]any{"amount": int64(1)}
	require.NoError(t, sink.Write(ctx, tampered))
	assert.ErrorIs(t, sink.Verify(ctx, chain[0]), ErrArchiveMismatch)

	_, err = sink.Fetch(ctx, 3)
	assert.Error(t, err)
}
