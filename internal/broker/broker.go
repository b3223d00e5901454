// Package broker implements the in-process topic broker SPEC_FULL §5/§6
// describe: named topics, per-consumer-group delivery, and a "latest"
// reset policy (a new subscriber only sees messages published after it
// subscribes — there is no replay log). No message-broker client library
// appears anywhere in the reference pack, so this stands in for one,
// built in the concurrency idiom of cmd/rca-engine/main.go: goroutines
// coordinated by context.Context and a bounded, logged shutdown.
package broker

import (
	"context"
	"log/slog"
	"sync"
)

// Canonical topic names used across the pipeline.
const (
	TopicMetricsRaw      = "metrics.raw"
	TopicLogsRaw         = "logs.raw"
	TopicDeploymentsRaw  = "deployments.raw"
	TopicConfigRaw       = "config.raw"
	TopicFlagsRaw        = "flags.raw"
	TopicAnomaliesFound  = "anomalies.detected"
	TopicRCARequests     = "rca.requests"
)

// groupKey identifies one (topic, consumer group) delivery channel.
type groupKey struct {
	topic string
	group string
}

// Broker fans out published payloads to every subscribed consumer group.
// Each group gets its own buffered channel; a slow or absent consumer
// never blocks publishers beyond the buffer, matching the "reset policy:
// latest" contract — once the buffer is full, the oldest unread message
// for that group is dropped in favor of the new one.
type Broker struct {
	mu          sync.Mutex
	subscribers map[groupKey]chan []byte
	bufferSize  int
	logger      *slog.Logger
	closed      bool
}

// New constructs a Broker. bufferSize controls the per-(topic,group)
// channel depth; SPEC_FULL §6's RCA_BROKER_TOPIC_BUFFER config feeds this.
func New(bufferSize int, logger *slog.Logger) *Broker {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subscribers: make(map[groupKey]chan []byte),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Publish implements detector.Publisher/grouper.Publisher: it is a
// send-side call, non-blocking from the caller's perspective. Payload is
// delivered to every consumer group currently subscribed to topic.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for key, ch := range b.subscribers {
		if key.topic != topic {
			continue
		}
		select {
		case ch <- payload:
		default:
			// Reset policy "latest": drop the oldest buffered message for
			// this slow consumer group and retry once.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- payload:
			default:
				b.logger.Warn("dropped message, consumer group channel full", "topic", topic, "group", key.group)
			}
		}
	}
	return nil
}

// Subscribe registers (topic, group) and returns a channel of payloads.
// Calling Subscribe again with the same (topic, group) returns the same
// channel (idempotent registration, mirroring a broker client's
// group-join semantics).
func (b *Broker) Subscribe(topic, group string) <-chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := groupKey{topic: topic, group: group}
	if ch, ok := b.subscribers[key]; ok {
		return ch
	}
	ch := make(chan []byte, b.bufferSize)
	b.subscribers[key] = ch
	return ch
}

// Close stops accepting new publishes and closes every subscriber
// channel, signalling consumer loops to drain and exit. Safe to call once
// during graceful shutdown.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	return nil
}
