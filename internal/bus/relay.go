package bus

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/chatserver/internal/logger"
)

const relayChannel = "bus:events"

// RedisRelay carries room events across service instances through redis
// pub/sub. Every instance, the publishing one included, delivers an event to
// its local room members when it arrives on the channel, so the event
// contract is identical with and without the relay.
type RedisRelay struct {
	cli *redis.Client
}

func NewRedisRelay(cli *redis.Client) *RedisRelay {
	return &RedisRelay{cli: cli}
}

type relayEnvelope struct {
	Room    string          `json:"room"`
	Event   EventType       `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Send publishes one room event to the shared channel. Best-effort: errors
// are logged, never returned, matching the bus delivery contract.
func (r *RedisRelay) Send(room string, event EventType, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Errorf("relay marshal payload room=%s event=%s: %v", room, event, err)
		return
	}
	env, err := json.Marshal(relayEnvelope{Room: room, Event: event, Payload: raw})
	if err != nil {
		logger.Errorf("relay marshal envelope room=%s event=%s: %v", room, event, err)
		return
	}
	if err := r.cli.Publish(context.Background(), relayChannel, env).Err(); err != nil {
		logger.Errorf("relay publish room=%s event=%s: %v", room, event, err)
	}
}

// Receive subscribes to the shared channel and hands every event to deliver
// until ctx is done.
func (r *RedisRelay) Receive(ctx context.Context, deliver func(room string, event EventType, payload any)) {
	sub := r.cli.Subscribe(ctx, relayChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Errorf("relay unmarshal: %v", err)
				continue
			}
			deliver(env.Room, env.Event, env.Payload)
		}
	}
}
