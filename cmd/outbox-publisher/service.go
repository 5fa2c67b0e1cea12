package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/crumb-backend/pkg/config"
	"github.com/angelmondragon/crumb-backend/pkg/db/models"
	"github.com/angelmondragon/crumb-backend/pkg/enums"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
	"github.com/angelmondragon/crumb-backend/pkg/metrics"
	"github.com/angelmondragon/crumb-backend/pkg/outbox"
	"github.com/angelmondragon/crumb-backend/pkg/outbox/registry"
)

const (
	consumerName          = "outbox-publisher"
	defaultBatchSize      = 50
	defaultPollMs         = 500
	defaultPublishTimeout = 15 * time.Second
	defaultMaxAttempts    = 10
	maxBackoff            = 10 * time.Second
)

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type pubSubClient interface {
	Ping(context.Context) error
	Publisher(name string) *gcppubsub.Publisher
}

type outboxRepository interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
}

type dlqRepository interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
}

type registryResolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

// deliveryGuard remembers rows already handed to pubsub, so a row whose
// published_at write was lost is not sent twice.
type deliveryGuard interface {
	Claim(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error)
	Release(ctx context.Context, consumer string, eventID uuid.UUID) error
}

type publisherFactory func(topic string) publisher

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type ServiceParams struct {
	Config           *config.Config
	Logger           *logger.Logger
	DB               dbClient
	PubSub           pubSubClient
	Repository       outboxRepository
	Registry         registryResolver
	PublisherFactory publisherFactory
	DLQRepository    dlqRepository
	Guard            deliveryGuard
	Metrics          *metrics.OutboxMetrics
}

// Service drains outbox_events to pubsub. Rows that can never be delivered
// move to outbox_dlq; the rest are retried with their attempt count bumped.
type Service struct {
	logg             *logger.Logger
	db               dbClient
	repo             outboxRepository
	pubsub           pubSubClient
	registry         registryResolver
	dlq              dlqRepository
	guard            deliveryGuard
	metrics          *metrics.OutboxMetrics
	publisherFactory publisherFactory
	batchSize        int
	maxAttempts      int
	pollInterval     time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Config == nil:
		return nil, errors.New("config is required")
	case params.Logger == nil:
		return nil, errors.New("logger is required")
	case params.DB == nil:
		return nil, errors.New("database client is required")
	case params.PubSub == nil:
		return nil, errors.New("pubsub client is required")
	case params.Repository == nil:
		return nil, errors.New("outbox repository is required")
	case params.Registry == nil:
		return nil, errors.New("event registry is required")
	case params.DLQRepository == nil:
		return nil, errors.New("dlq repository is required")
	}

	factory := params.PublisherFactory
	if factory == nil {
		factory = func(topic string) publisher {
			return newGCPPublisher(params.PubSub.Publisher(topic))
		}
	}

	outboxCfg := params.Config.Outbox
	batch := outboxCfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	pollMs := outboxCfg.PollIntervalMS
	if pollMs <= 0 {
		pollMs = defaultPollMs
	}
	maxAttempts := outboxCfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	return &Service{
		logg:             params.Logger,
		db:               params.DB,
		repo:             params.Repository,
		pubsub:           params.PubSub,
		registry:         params.Registry,
		dlq:              params.DLQRepository,
		guard:            params.Guard,
		metrics:          params.Metrics,
		publisherFactory: factory,
		batchSize:        batch,
		maxAttempts:      maxAttempts,
		pollInterval:     time.Duration(pollMs) * time.Millisecond,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		s.logg.Error(ctx, "database ping failed", err)
		return fmt.Errorf("database ping failed: %w", err)
	}
	if err := s.pubsub.Ping(ctx); err != nil {
		s.logg.Error(ctx, "pubsub ping failed", err)
		return fmt.Errorf("pubsub ping failed: %w", err)
	}
	return nil
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// the next one; batch errors back off exponentially up to maxBackoff.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = s.pollInterval
	retry.MaxInterval = maxBackoff

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "outbox publisher context canceled")
			return ctx.Err()
		default:
		}

		processed, err := s.processBatch(ctx)
		if err != nil {
			s.logg.Error(ctx, "outbox publisher batch error", err)
			if err := s.sleep(ctx, retry.NextBackOff()); err != nil {
				return err
			}
			continue
		}
		retry.Reset()

		if processed {
			continue
		}
		if err := s.sleep(ctx, s.pollInterval); err != nil {
			return err
		}
	}
}

// processBatch drains one batch inside a transaction. Every row is handed to
// its publisher first and the results are collected afterwards, so the
// client can batch sends to the same topic.
func (s *Service) processBatch(ctx context.Context) (bool, error) {
	start := time.Now()
	processed := false
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		events, err := s.repo.FetchUnpublishedForPublish(tx, s.batchSize, s.maxAttempts)
		if err != nil || len(events) == 0 {
			return err
		}
		processed = true

		publishCtx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
		defer cancel()

		inflight := make([]*delivery, 0, len(events))
		for _, event := range events {
			d, err := s.dispatch(publishCtx, tx, event)
			if err != nil {
				return err
			}
			if d != nil {
				inflight = append(inflight, d)
			}
		}
		for _, d := range inflight {
			if err := s.settle(publishCtx, tx, d); err != nil {
				return err
			}
		}
		return nil
	})
	if processed {
		s.metrics.ObserveBatch(time.Since(start))
	}
	return processed, err
}

// delivery is a row whose message has been handed to pubsub.
type delivery struct {
	event  models.OutboxEvent
	fields map[string]any
	result publishResult
}

// dispatch starts the publish for one row. Rows that finish without a send
// (bad payload, duplicate, no publisher) are recorded here and yield nil.
// An error means the outcome itself could not be written.
func (s *Service) dispatch(ctx context.Context, tx *gorm.DB, event models.OutboxEvent) (*delivery, error) {
	resolved, err := s.registry.Resolve(event)
	if err != nil {
		return nil, s.handleTerminal(ctx, tx, event, enums.OutboxDLQReasonNonRetryable, err, nil)
	}
	topic := resolved.Descriptor.Topic
	fields := s.eventFields(event, resolved.Envelope, topic)

	if s.alreadyDelivered(ctx, event, fields) {
		if err := s.repo.MarkPublishedTx(tx, event.ID); err != nil {
			return nil, fmt.Errorf("mark published %s: %w", event.ID, err)
		}
		s.metrics.IncEvent(string(event.EventType), metrics.OutboxDuplicate)
		s.logg.Info(s.logg.WithFields(ctx, fields), "outbox event already delivered")
		return nil, nil
	}

	pub := s.publisherFactory(topic)
	var result publishResult
	if pub != nil {
		result = pub.Publish(ctx, buildMessage(event, resolved.Envelope))
	}
	if result == nil {
		s.forget(ctx, event)
		err := registry.NewNonRetryableError(fmt.Errorf("no publisher for topic %s", topic))
		return nil, s.handleTerminal(ctx, tx, event, enums.OutboxDLQReasonNonRetryable, err, fields)
	}
	return &delivery{event: event, fields: fields, result: result}, nil
}

// settle waits for the broker's answer and records the row's outcome.
func (s *Service) settle(ctx context.Context, tx *gorm.DB, d *delivery) error {
	event := d.event
	if _, err := d.result.Get(ctx); err != nil {
		return s.handleFailure(ctx, tx, d, err)
	}
	if err := s.repo.MarkPublishedTx(tx, event.ID); err != nil {
		return fmt.Errorf("mark published %s: %w", event.ID, err)
	}
	s.metrics.IncEvent(string(event.EventType), metrics.OutboxPublished)
	s.logg.Info(s.logg.WithFields(ctx, d.fields), "outbox event published")
	return nil
}

func (s *Service) handleFailure(ctx context.Context, tx *gorm.DB, d *delivery, err error) error {
	event := d.event
	s.forget(ctx, event)

	var nonRetry registry.NonRetryableError
	if errors.As(err, &nonRetry) {
		return s.handleTerminal(ctx, tx, event, enums.OutboxDLQReasonNonRetryable, err, d.fields)
	}

	nextAttempt := event.AttemptCount + 1
	d.fields["attempt_count"] = nextAttempt
	if nextAttempt >= s.maxAttempts {
		d.fields["terminal_reason"] = "max_attempts"
		return s.handleTerminal(ctx, tx, event, enums.OutboxDLQReasonMaxAttempts, fmt.Errorf("max publish attempts reached: %w", err), d.fields)
	}

	d.fields["error"] = err.Error()
	s.logg.Warn(s.logg.WithFields(ctx, d.fields), "outbox publish failed")
	if markErr := s.repo.MarkFailedTx(tx, event.ID, err); markErr != nil {
		return fmt.Errorf("mark failure %s: %w", event.ID, markErr)
	}
	s.metrics.IncEvent(string(event.EventType), metrics.OutboxRetried)
	return nil
}

// alreadyDelivered claims the row in the guard. A guard outage is logged and
// the row is published anyway; subscribers dedupe on event_id.
func (s *Service) alreadyDelivered(ctx context.Context, event models.OutboxEvent, fields map[string]any) bool {
	if s.guard == nil {
		return false
	}
	seen, err := s.guard.Claim(ctx, consumerName, event.ID)
	if err != nil {
		s.logg.Warn(s.logg.WithFields(s.logg.WithField(ctx, "error", err.Error()), fields), "delivery guard unavailable")
		return false
	}
	return seen
}

func (s *Service) forget(ctx context.Context, event models.OutboxEvent) {
	if s.guard == nil {
		return
	}
	if err := s.guard.Release(ctx, consumerName, event.ID); err != nil {
		s.logg.Error(s.logg.WithField(ctx, "outbox_id", event.ID.String()), "release delivery guard", err)
	}
}

func (s *Service) handleTerminal(ctx context.Context, tx *gorm.DB, event models.OutboxEvent, reason enums.OutboxDLQErrorReason, err error, fields map[string]any) error {
	if fields == nil {
		fields = s.eventFields(event, outbox.PayloadEnvelope{}, "")
	}
	fields["error_reason"] = reason
	fields["error"] = err.Error()
	s.logg.Warn(s.logg.WithFields(ctx, fields), "outbox event will not be retried")

	msg := err.Error()
	entry := models.OutboxDLQ{
		EventID:       event.ID,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       event.Payload,
		ErrorReason:   reason,
		ErrorMessage:  &msg,
		AttemptCount:  event.AttemptCount,
		FailedAt:      time.Now().UTC(),
	}
	if dlqErr := s.dlq.InsertTx(tx, entry); dlqErr != nil {
		return fmt.Errorf("insert dlq %s: %w", event.ID, dlqErr)
	}
	if markErr := s.repo.MarkTerminalTx(tx, event.ID, err, s.maxAttempts); markErr != nil {
		return fmt.Errorf("mark terminal %s: %w", event.ID, markErr)
	}
	s.metrics.IncEvent(string(event.EventType), metrics.OutboxDeadLettered)
	return nil
}

// buildMessage carries the envelope as data and the routing facts as
// attributes, so subscribers can filter without decoding.
func buildMessage(event models.OutboxEvent, envelope outbox.PayloadEnvelope) *gcppubsub.Message {
	attributes := map[string]string{
		"event_id":       envelope.EventID,
		"event_type":     string(event.EventType),
		"aggregate_type": string(event.AggregateType),
		"aggregate_id":   event.AggregateID.String(),
		"created_at":     event.CreatedAt.Format(time.RFC3339Nano),
	}
	if event.DedupeKey != nil {
		attributes["dedupe_key"] = *event.DedupeKey
	}
	if actor := envelope.Actor.String(); actor != "" {
		attributes["actor"] = actor
	}
	return &gcppubsub.Message{Data: event.Payload, Attributes: attributes}
}

func (s *Service) eventFields(event models.OutboxEvent, envelope outbox.PayloadEnvelope, topic string) map[string]any {
	fields := map[string]any{
		"outbox_id":      event.ID.String(),
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID.String(),
		"attempt_count":  event.AttemptCount,
	}
	if envelope.EventID != "" {
		fields["event_id"] = envelope.EventID
		fields["occurred_at"] = envelope.OccurredAt.Format(time.RFC3339Nano)
	}
	if topic != "" {
		fields["topic"] = topic
	}
	if event.DedupeKey != nil {
		fields["dedupe_key"] = *event.DedupeKey
	}
	if event.LastError != nil {
		fields["last_error"] = *event.LastError
	}
	return fields
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func newGCPPublisher(p *gcppubsub.Publisher) publisher {
	if p == nil {
		return nil
	}
	return &gcpPublisher{Publisher: p}
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	if p == nil || p.Publisher == nil {
		return nil
	}
	return &gcpPublishResult{PublishResult: p.Publisher.Publish(ctx, msg)}
}

type gcpPublishResult struct {
	*gcppubsub.PublishResult
}

func (r *gcpPublishResult) Get(ctx context.Context) (string, error) {
	if r == nil || r.PublishResult == nil {
		return "", errors.New("publish result is nil")
	}
	return r.PublishResult.Get(ctx)
}
