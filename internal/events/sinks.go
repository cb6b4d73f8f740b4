package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"carbon-scribe/mrv-registry/pkg/storage"
)

// LogSink writes events to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink that logs every event at info level.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, e Event) error {
	s.logger.Info("Registry event",
		zap.Uint64("sequence", e.Sequence),
		zap.String("type", string(e.Type)),
		zap.String("project_id", e.ProjectID),
		zap.String("actor", e.Actor),
		zap.Any("data", e.Data),
		zap.String("hash", e.Hash))
	return nil
}

// SNSPublisher is the subset of the SNS client used by SNSSink.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSink publishes events to an SNS topic for downstream consumers.
type SNSSink struct {
	client   SNSPublisher
	topicARN string
}

// NewSNSSink creates a sink publishing to topicARN.
func NewSNSSink(client SNSPublisher, topicARN string) *SNSSink {
	return &SNSSink{client: client, topicARN: topicARN}
}

// NewSNSSinkFromEnv builds the SNS client from the default AWS credential chain.
func NewSNSSinkFromEnv(ctx context.Context, region, topicARN string) (*SNSSink, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return NewSNSSink(sns.NewFromConfig(cfg), topicARN), nil
}

func (s *SNSSink) Name() string { return "sns" }

func (s *SNSSink) Write(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	input := &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(string(e.Type))},
		},
	}
	if e.ProjectID != "" {
		input.MessageAttributes["project_id"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(e.ProjectID),
		}
	}
	if _, err := s.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("failed to publish event %d: %w", e.Sequence, err)
	}
	return nil
}

// ErrArchiveMismatch is returned when an archived event differs from the committed one.
var ErrArchiveMismatch = errors.New("archived event does not match")

// ArchiveSink writes every event as a JSON object to a bucket. Object keys
// sort in sequence order so the archive can be replayed and verified.
type ArchiveSink struct {
	objects storage.ObjectStore
	bucket  string
	prefix  string
}

// NewArchiveSink creates a sink writing under prefix in bucket.
func NewArchiveSink(objects storage.ObjectStore, bucket, prefix string) *ArchiveSink {
	return &ArchiveSink{objects: objects, bucket: bucket, prefix: prefix}
}

func (s *ArchiveSink) Name() string { return "archive" }

// Key returns the object key of the event with the given sequence number.
func (s *ArchiveSink) Key(sequence uint64) string {
	return fmt.Sprintf("%s%020d.json", s.prefix, sequence)
}

func (s *ArchiveSink) Write(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return s.objects.Upload(ctx, s.bucket, s.Key(e.Sequence), "application/json", bytes.NewReader(body))
}

// Fetch reads an archived event back.
func (s *ArchiveSink) Fetch(ctx context.Context, sequence uint64) (Event, error) {
	body, err := s.objects.Download(ctx, s.bucket, s.Key(sequence))
	if err != nil {
		return Event{}, err
	}
	defer body.Close()
	var e Event
	if err := json.NewDecoder(body).Decode(&e); err != nil {
		return Event{}, fmt.Errorf("failed to decode archived event %d: %w", sequence, err)
	}
	return e, nil
}

// Verify checks that the archived copy of e is intact and identical to e.
func (s *ArchiveSink) Verify(ctx context.Context, e Event) error {
	archived, err := s.Fetch(ctx, e.Sequence)
	if err != nil {
		return err
	}
	if err := VerifyFrom(e.Sequence-1, archived.PrevHash, []Event{archived}); err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveMismatch, err)
	}
	if archived.Hash != e.Hash {
		return fmt.Errorf("%w: event %d", ErrArchiveMismatch, e.Sequence)
	}
	return nil
}

// URL returns a time-limited download link for an archived event.
func (s *ArchiveSink) URL(ctx context.Context, sequence uint64, ttl time.Duration) (string, error) {
	return s.objects.GetPresignedURL(ctx, s.bucket, s.Key(sequence), ttl)
}
