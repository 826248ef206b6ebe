package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultRelayChannel    = "orbit:chat:changes"
	defaultRetryInitial    = 500 * time.Millisecond
	defaultRetryMaxBackoff = 30 * time.Second
)

var (
	errMissingRedisClient = errors.New("chat relay: redis client is required")
	errMissingInstanceID  = errors.New("chat relay: instance id is required")
	errRelayClosed        = errors.New("chat relay: subscription closed")
)

type RedisRelayConfig struct {
	Client     *redis.Client
	Channel    string
	InstanceID string
	Logger     *zap.Logger
	// RetryInitial and RetryMax bound the exponential wait between resubscribe attempts.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// RedisRelay shares message changes between service instances over Redis pub/sub.
type RedisRelay struct {
	client       *redis.Client
	channel      string
	instanceID   string
	logger       *zap.Logger
	retryInitial time.Duration
	retryMax     time.Duration
}

type relayEnvelope struct {
	Origin string `json:"origin"`
	Change Change `json:"change"`
}

func NewRedisRelay(cfg RedisRelayConfig) (*RedisRelay, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	instanceID := strings.TrimSpace(cfg.InstanceID)
	if instanceID == "" {
		return nil, errMissingInstanceID
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = defaultRelayChannel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	retryInitial := cfg.RetryInitial
	if retryInitial <= 0 {
		retryInitial = defaultRetryInitial
	}
	retryMax := cfg.RetryMax
	if retryMax < retryInitial {
		retryMax = defaultRetryMaxBackoff
	}
	return &RedisRelay{
		client:       cfg.Client,
		channel:      channel,
		instanceID:   instanceID,
		logger:       logger,
		retryInitial: retryInitial,
		retryMax:     retryMax,
	}, nil
}

// Publish sends change to the other instances.
func (r *RedisRelay) Publish(ctx context.Context, change Change) error {
	payload, err := json.Marshal(relayEnvelope{Origin: r.instanceID, Change: change})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Run forwards changes published by other instances to deliver until ctx is done.
// Changes published by this instance are skipped. A failed or dropped subscription is retried
// with exponential backoff; Run only returns once ctx is done.
func (r *RedisRelay) Run(ctx context.Context, deliver func(Change)) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = r.retryInitial
	retry.MaxInterval = r.retryMax
	retry.MaxElapsedTime = 0
	retry.Reset()

	for {
		subscribed, err := r.runOnce(ctx, deliver)
		if ctx.Err() != nil {
			return nil
		}
		if subscribed {
			retry.Reset()
		}
		wait := retry.NextBackOff()
		r.logger.Warn("chat relay disconnected", zap.Error(err), zap.Duration("retry_in", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// runOnce holds one subscription until it fails or ctx is done. subscribed reports whether the
// subscription was confirmed before it ended.
func (r *RedisRelay) runOnce(ctx context.Context, deliver func(Change)) (subscribed bool, err error) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close() //nolint:errcheck

	if _, err := pubsub.Receive(ctx); err != nil {
		return false, err
	}
	r.logger.Info("chat relay subscribed", zap.String("channel", r.channel))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case message, ok := <-messages:
			if !ok {
				return true, errRelayClosed
			}
			var envelope relayEnvelope
			if err := json.Unmarshal([]byte(message.Payload), &envelope); err != nil {
				r.logger.Warn("chat relay payload rejected", zap.Error(err))
				continue
			}
			if envelope.Origin == r.instanceID {
				continue
			}
			deliver(envelope.Change)
		}
	}
}
