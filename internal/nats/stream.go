package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const (
	// LeadStreamName is the stream that retains lead-created events.
	LeadStreamName = "LEADS"

	// LeadSubjectPrefix prefixes every lead subject.
	LeadSubjectPrefix = "leads"

	// ConversationBucket is the KV bucket holding conversation records.
	ConversationBucket = "conversations"
)

// EnsureLeadStream creates the lead stream if it does not exist yet.
func (c *Client) EnsureLeadStream(ctx context.Context) error {
	_, err := c.js.Stream(ctx, LeadStreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = c.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        LeadStreamName,
		Subjects:    []string{LeadSubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      90 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  10 * time.Minute,
		Description: "Lead created events per tenant",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	c.logger.Info("created stream", zap.String("stream", LeadStreamName))
	return nil
}

// ConversationKV opens the conversation bucket, creating it when missing.
// History is 1 because the store writes whole records with revision checks.
func (c *Client) ConversationKV(ctx context.Context) (jetstream.KeyValue, error) {
	kv, err := c.js.KeyValue(ctx, ConversationBucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to open bucket: %w", err)
	}

	kv, err = c.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      ConversationBucket,
		Description: "Per-contact conversation memory",
		History:     1,
		TTL:         30 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	c.logger.Info("created key-value bucket", zap.String("bucket", ConversationBucket))
	return kv, nil
}
