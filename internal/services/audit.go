package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"procgenie/backend/internal/logging"
	"procgenie/backend/pkg/models"
)

// EventPublisher delivers one audit event somewhere durable.
type EventPublisher interface {
	Publish(ctx context.Context, event models.Event) error
}

// AsyncAuditSink queues events for a background publisher. When the buffer
// is full the event is dropped and logged, so Record never blocks.
type AsyncAuditSink struct {
	publisher EventPublisher
	logger    *logging.Logger
	events    chan models.Event
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewAsyncAuditSink creates a new AsyncAuditSink and starts its worker.
func NewAsyncAuditSink(publisher EventPublisher, buffer int, logger *logging.Logger) *AsyncAuditSink {
	if buffer <= 0 {
		buffer = 1
	}
	s := &AsyncAuditSink{
		publisher: publisher,
		logger:    logger,
		events:    make(chan models.Event, buffer),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *AsyncAuditSink) run() {
	defer s.wg.Done()
	for event := range s.events {
		if err := s.publisher.Publish(context.Background(), event); err != nil {
			s.logger.Error("failed to publish audit event", "event_type", event.Type, "instance_id", event.InstanceID, "error", err)
		}
	}
}

// Record enqueues event.
func (s *AsyncAuditSink) Record(ctx context.Context, event models.Event) {
	select {
	case s.events <- event:
	default:
		s.logger.Warn("audit buffer full, dropping event", "event_type", event.Type, "instance_id", event.InstanceID)
	}
}

// Close drains queued events and stops the worker. Record must not be
// called after Close.
func (s *AsyncAuditSink) Close() {
	s.closeOnce.Do(func() { close(s.events) })
	s.wg.Wait()
}

// SQSAPI is the subset of the SQS client used for publishing.
type SQSAPI interface {
	SendMessage(ctx context.Context, input *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// NewSQSClient builds an SQS client from the default AWS credential chain.
func NewSQSClient(ctx context.Context, region string) (*sqs.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(cfg), nil
}

// SQSPublisher sends audit events to an SQS queue.
type SQSPublisher struct {
	client   SQSAPI
	queueURL string
}

// NewSQSPublisher creates a new SQSPublisher.
func NewSQSPublisher(client SQSAPI, queueURL string) *SQSPublisher {
	return &SQSPublisher{client: client, queueURL: queueURL}
}

// Publish sends one event. Events of an instance share a message attribute so
// consumers can filter.
func (p *SQSPublisher) Publish(ctx context.Context, event models.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(string(event.Type))},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send audit event: %w", err)
	}
	return nil
}

// LogPublisher writes audit events to the log.
type LogPublisher struct {
	logger *logging.Logger
}

// NewLogPublisher creates a new LogPublisher.
func NewLogPublisher(logger *logging.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs the event.
func (p *LogPublisher) Publish(ctx context.Context, event models.Event) error {
	p.logger.Info("audit", "event_type", event.Type, "instance_id", event.InstanceID,
		"step_instance_id", event.StepInstanceID, "actor_id", event.ActorID, "data", event.Data)
	return nil
}
