package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prohmpiriya/books-store/apps/auth-service/internal/domain"
	"github.com/prohmpiriya/books-store/pkg/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProducer struct {
	messages []*kafka.Message
	err      error
	closed   bool
}

func (p *fakeProducer) Produce(ctx context.Context, msg *kafka.Message) error {
	p.messages = append(p.messages, msg)
	return p.err
}

func (p *fakeProducer) Close() { p.closed = true }

func TestKafkaEventPublisher_Publish(t *testing.T) {
	producer := &fakeProducer{}
	pub := newKafkaEventPublisher(producer, "", "")

	event := domain.NewAccountEvent("evt-1", domain.EventUserBanned, "alice", "admin")
	require.NoError(t, pub.Publish(context.Background(), event))
	require.Len(t, producer.messages, 1)

	msg := producer.messages[0]
	assert.Equal(t, "auth-events", msg.Topic)
	assert.Equal(t, []byte("alice"), msg.Key)
	assert.Equal(t, "user.banned", msg.Headers["event_type"])
	assert.Equal(t, "evt-1", msg.Headers["event_id"])
	assert.Equal(t, "auth-service", msg.Headers["source"])
	assert.Equal(t, "application/json", msg.Headers["content_type"])
	assert.Equal(t, event.OccurredAt, msg.Timestamp)

	var decoded domain.AccountEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "admin", decoded.ActorID)
	assert.Equal(t, domain.EventUserBanned, decoded.Type)

	require.NoError(t, pub.Close())
	assert.True(t, producer.closed)
}

func TestKafkaEventPublisher_ProduceError(t *testing.T) {
	producer := &fakeProducer{err: errors.New("leader not available")}
	pub := newKafkaEventPublisher(producer, "accounts", "auth")

	err := pub.Publish(context.Background(), domain.NewAccountEvent("evt-2", domain.EventUserLoggedIn, "bob", "bob"))
	assert.ErrorContains(t, err, "failed to publish user.logged_in event")
	assert.Equal(t, "accounts", producer.messages[0].Topic)
	assert.Equal(t, "auth", producer.messages[0].Headers["source"])
}

func TestNewKafkaEventPublisher_RequiresConfig(t *testing.T) {
	_, err := NewKafkaEventPublisher(context.Background(), nil, nil)
	assert.Error(t, err)

	_, err = NewKafkaEventPublisher(context.Background(), &EventPublisherConfig{}, nil)
	assert.ErrorContains(t, err, "kafka brokers are required")
}

func TestNoOpEventPublisher(t *testing.T) {
	pub := NewNoOpEventPublisher()
	assert.NoError(t, pub.Publish(context.Background(), domain.NewAccountEvent("x", domain.EventUserLoggedOut, "a", "a")))
	assert.NoError(t, pub.Close())
}
