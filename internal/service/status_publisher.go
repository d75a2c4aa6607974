package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"pagemeter/internal/model"
	"pagemeter/internal/pubsub"
)

// StatusPublisher pushes immutable job snapshots to whatever transport the
// UI listens on. Consumers order snapshots by job version.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, snap model.JobSnapshot) error
}

type pubsubStatusPublisher struct {
	pub   pubsub.Publisher
	topic string
}

func NewPubSubStatusPublisher(pub pubsub.Publisher, topic string) StatusPublisher {
	return &pubsubStatusPublisher{pub: pub, topic: topic}
}

func (p *pubsubStatusPublisher) PublishStatus(ctx context.Context, snap model.JobSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal job snapshot: %w", err)
	}
	attrs := map[string]string{
		"job_id":     snap.Job.ID,
		"account_id": snap.Job.AccountID,
		"status":     string(snap.Job.Status),
		"version":    strconv.FormatInt(snap.Job.Version, 10),
	}
	_, err = p.pub.Publish(ctx, p.topic, payload, attrs)
	return err
}
