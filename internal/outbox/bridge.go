package outbox

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/stepflow/internal/domain"
	obsctx "github.com/fairyhunter13/stepflow/internal/observability"
)

// Bridge republishes domain events from the outbox queue topic to an external
// Kafka/Redpanda topic. It is wired only when brokers are configured; the
// control plane is fully functional without it.
type Bridge struct {
	client *kgo.Client
	topic  string
}

// NewBridge dials the brokers. The produced records are keyed by runId so a
// partitioned consumer sees each run's events in order.
func NewBridge(brokers []string, topic string) (*Bridge, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.new_bridge: %w", err)
	}
	return &Bridge{client: client, topic: topic}, nil
}

// Handle is a queue JobHandler for the outbox topic. A malformed envelope is
// dropped with a loud log rather than retried; retrying cannot fix it.
func (b *Bridge) Handle(ctx domain.Context, payload json.RawMessage) error {
	log := obsctx.LoggerFromContext(ctx)
	env, err := domain.ParseOutboxEnvelope(payload)
	if err != nil {
		log.Error("event bridge dropped malformed envelope", slog.Any("error", err))
		return nil
	}
	rec := &kgo.Record{
		Topic: b.topic,
		Key:   []byte(env.RunID),
		Value: payload,
	}
	if err := b.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("op=outbox.bridge_produce: type=%s: %w", env.Type, err)
	}
	log.Debug("event bridged",
		slog.String("run_id", env.RunID),
		slog.String("type", env.Type),
		slog.String("kafka_topic", b.topic))
	return nil
}

// Close flushes and releases the Kafka client.
func (b *Bridge) Close() {
	b.client.Close()
}
