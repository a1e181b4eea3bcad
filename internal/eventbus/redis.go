package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	logx "bulkbot/pkg/logx"
)

// RedisRelay republishes every bus event on a Redis channel named
// <prefix><topic>, so observers outside this process can follow job progress.
// Delivery keeps the bus contract: at-most-once, no replay.
type RedisRelay struct {
	client redis.UniversalClient
	prefix string
	log    logx.Logger
}

type relayMessage struct {
	Topic string    `json:"topic"`
	Type  string    `json:"type"`
	Time  time.Time `json:"time"`
	Data  any       `json:"data,omitempty"`
}

func NewRedisRelay(client redis.UniversalClient, prefix string, log logx.Logger) *RedisRelay {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RedisRelay{client: client, prefix: prefix, log: log}
}

// Channel returns the Redis channel used for a bus topic.
func (r *RedisRelay) Channel(topic string) string { return r.prefix + topic }

// Run forwards events until ctx is canceled.
func (r *RedisRelay) Run(ctx context.Context, bus Bus) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	events, unsub := bus.Subscribe(Wildcard, 256)
	defer unsub()
	r.log.Info("redis relay started", logx.String("prefix", r.prefix))

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			b, err := encodeRelay(e)
			if err != nil {
				r.log.Warn("redis relay encode failed", logx.String("topic", e.Topic), logx.Err(err))
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err = r.client.Publish(pctx, r.Channel(e.Topic), b).Err()
			cancel()
			if err != nil {
				r.log.Debug("redis publish failed", logx.String("topic", e.Topic), logx.Err(err))
			}
		}
	}
}

func encodeRelay(e Event) ([]byte, error) {
	return json.Marshal(relayMessage{Topic: e.Topic, Type: e.Type, Time: e.Time, Data: e.Data})
}
