package outbox

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// Publisher delivers messages to one broker.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// RedisPublisher appends messages to a Redis stream.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisPublisher accepts either a redis:// URL or a host:port address.
func NewRedisPublisher(addr, stream string) (*RedisPublisher, error) {
	if strings.TrimSpace(stream) == "" {
		return nil, fmt.Errorf("redis publisher requires a stream name")
	}
	var client *redis.Client
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: addr})
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: 100_000}, nil
}

func (p *RedisPublisher) Name() string { return "redis" }

func (p *RedisPublisher) Publish(ctx context.Context, msg Message) error {
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"sequence": msg.Sequence,
			"type":     msg.Type,
			"escrowId": strconv.FormatUint(msg.EscrowID, 10),
			"payload":  string(msg.Payload),
		},
	}).Err()
}

func (p *RedisPublisher) Close() error { return p.client.Close() }

// KafkaPublisher writes messages to a topic keyed by escrow id so one escrow's
// events stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
	}, nil
}

func (p *KafkaPublisher) Name() string { return "kafka" }

func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatUint(msg.EscrowID, 10)),
		Value: msg.Payload,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(msg.Type)},
			{Key: "sequence", Value: []byte(strconv.FormatInt(msg.Sequence, 10))},
		},
	})
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }
