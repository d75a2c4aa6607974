package pubsub

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// TopicSpec describes a topic consumers pull from, together with its pull
// subscription and the dead-letter topic that subscription forwards to.
type TopicSpec struct {
	Topic               string
	Retention           time.Duration
	AckDeadline         time.Duration
	MaxDeliveryAttempts int
}

func (s TopicSpec) DeadLetterTopic() string { return s.Topic + "-dlq" }

func (s TopicSpec) Subscription() string { return s.Topic + "-sub" }

func (s TopicSpec) DeadLetterSubscription() string { return s.Topic + "-dlq-sub" }

// Provision creates the topics and subscriptions in specs when missing.
// Existing resources are left alone; mismatched settings are only logged.
func (p *PubSubPublisher) Provision(ctx context.Context, specs []TopicSpec, logger zerolog.Logger) error {
	for _, spec := range specs {
		logger.Info().Str("topic", spec.Topic).Msg("Ensuring Pub/Sub resources")
		dlq, err := p.ensureTopic(ctx, spec.DeadLetterTopic(), spec.Retention, logger)
		if err != nil {
			return err
		}
		topic, err := p.ensureTopic(ctx, spec.Topic, spec.Retention, logger)
		if err != nil {
			return err
		}
		mainCfg := pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: spec.AckDeadline,
			RetryPolicy: &pubsub.RetryPolicy{
				MinimumBackoff: 10 * time.Second,
				MaximumBackoff: 600 * time.Second,
			},
			DeadLetterPolicy: &pubsub.DeadLetterPolicy{
				DeadLetterTopic:     dlq.String(),
				MaxDeliveryAttempts: spec.MaxDeliveryAttempts,
			},
		}
		if err := p.ensureSubscription(ctx, spec.Subscription(), mainCfg, logger); err != nil {
			return err
		}
		dlqCfg := pubsub.SubscriptionConfig{Topic: dlq, AckDeadline: spec.AckDeadline}
		if err := p.ensureSubscription(ctx, spec.DeadLetterSubscription(), dlqCfg, logger); err != nil {
			return err
		}
	}
	return nil
}

func (p *PubSubPublisher) ensureTopic(ctx context.Context, id string, retention time.Duration, logger zerolog.Logger) (*pubsub.Topic, error) {
	topic := p.client.Topic(id)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking topic %s: %w", id, err)
	}
	if !exists {
		logger.Info().Str("topic", id).Dur("retention", retention).Msg("Creating topic")
		created, err := p.client.CreateTopicWithConfig(ctx, id, &pubsub.TopicConfig{RetentionDuration: retention})
		if err != nil {
			return nil, fmt.Errorf("creating topic %s: %w", id, err)
		}
		return created, nil
	}
	cfg, err := topic.Config(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading topic %s: %w", id, err)
	}
	if got, ok := cfg.RetentionDuration.(time.Duration); ok && got != retention {
		logger.Warn().Str("topic", id).Dur("want", retention).Dur("got", got).Msg("Topic retention differs, update it manually")
	}
	return topic, nil
}

func (p *PubSubPublisher) ensureSubscription(ctx context.Context, id string, cfg pubsub.SubscriptionConfig, logger zerolog.Logger) error {
	sub := p.client.Subscription(id)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("checking subscription %s: %w", id, err)
	}
	if exists {
		logger.Info().Str("subscription", id).Msg("Subscription already exists")
		return nil
	}
	logger.Info().Str("subscription", id).Msg("Creating subscription")
	if _, err := p.client.CreateSubscription(ctx, id, cfg); err != nil {
		return fmt.Errorf("creating subscription %s: %w", id, err)
	}
	return nil
}
