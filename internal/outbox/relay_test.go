package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"settlement-engine-go/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryOutbox struct {
	mu     sync.Mutex
	events []models.OutboxEvent
}

func (m *memoryOutbox) ListPendingEvents(_ context.Context, limit int) ([]models.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []models.OutboxEvent
	for _, e := range m.events {
		if e.PublishedAt == nil && len(pending) < limit {
			pending = append(pending, e)
		}
	}
	return pending, nil
}

func (m *memoryOutbox) MarkEventPublished(_ context.Context, eventId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for i := range m.events {
		if m.events[i].Id == eventId {
			m.events[i].PublishedAt = &now
		}
	}
	return nil
}

func (m *memoryOutbox) MarkEventFailed(_ context.Context, eventId, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].Id == eventId {
			m.events[i].Attempts++
			m.events[i].LastError = errMsg
		}
	}
	return nil
}

func (m *memoryOutbox) CountPendingEvents(ctx context.Context) (int, error) {
	pending, _ := m.ListPendingEvents(ctx, len(m.events))
	return len(pending), nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []string
	failOnce  map[string]bool
}

func (p *recordingPublisher) Publish(_ context.Context, event models.OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOnce[event.Id] {
		delete(p.failOnce, event.Id)
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, event.Id)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func testEvents() []models.OutboxEvent {
	return []models.OutboxEvent{
		{Id: "e1", Topic: models.TopicWithdrawalCreated, AggregateId: "w1", Payload: `{}`},
		{Id: "e2", Topic: models.TopicDepositConfirmed, AggregateId: "d1", Payload: `{}`},
		{Id: "e3", Topic: models.TopicWithdrawalApproved, AggregateId: "w1", Payload: `{}`},
		{Id: "e4", Topic: models.TopicWithdrawalCompleted, AggregateId: "w1", Payload: `{}`},
	}
}

func TestRelayOnce_PublishesInOrder(t *testing.T) {
	outbox := &memoryOutbox{events: testEvents()}
	publisher := &recordingPublisher{}
	relay := NewRelay(outbox, publisher, time.Second, 10)

	published, err := relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, published)
	assert.Equal(t, []string{"e1", "e2", "e3", "e4"}, publisher.published)

	published, err = relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, published)
}

func TestRelayOnce_FailureHoldsBackSameAggregate(t *testing.T) {
	outbox := &memoryOutbox{events: testEvents()}
	publisher := &recordingPublisher{failOnce: map[string]bool{"e1": true}}
	relay := NewRelay(outbox, publisher, time.Second, 10)

	published, err := relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, published)
	assert.Equal(t, []string{"e2"}, publisher.published)
	assert.Equal(t, 1, outbox.events[0].Attempts)
	assert.Equal(t, "broker unavailable", outbox.events[0].LastError)

	published, err = relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, published)
	assert.Equal(t, []string{"e2", "e1", "e3", "e4"}, publisher.published)
}

func TestRelay_StartStop(t *testing.T) {
	outbox := &memoryOutbox{events: testEvents()}
	publisher := &recordingPublisher{}
	relay := NewRelay(outbox, publisher, 10*time.Millisecond, 10)

	relay.Start(context.Background())
	assert.Eventually(t, func() bool {
		count, _ := outbox.CountPendingEvents(context.Background())
		return count == 0
	}, time.Second, 10*time.Millisecond)
	relay.Stop()
}

type fakeWriter struct {
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisher(t *testing.T) {
	writer := &fakeWriter{}
	publisher := newKafkaPublisher(writer, "settlement.")

	event := models.OutboxEvent{
		Id:          "e1",
		Topic:       models.TopicDepositConfirmed,
		AggregateId: "d1",
		Payload:     `{"id":"d1"}`,
	}
	require.NoError(t, publisher.Publish(context.Background(), event))

	require.Len(t, writer.messages, 1)
	msg := writer.messages[0]
	assert.Equal(t, "settlement.deposit.confirmed", msg.Topic)
	assert.Equal(t, "d1", string(msg.Key))
	assert.Equal(t, `{"id":"d1"}`, string(msg.Value))
	assert.Equal(t, "event_id", msg.Headers[0].Key)
	assert.Equal(t, "e1", string(msg.Headers[0].Value))

	writer.err = errors.New("leader not available")
	err := publisher.Publish(context.Background(), event)
	assert.ErrorContains(t, err, "leader not available")

	unprefixed := newKafkaPublisher(&fakeWriter{}, "")
	assert.Equal(t, "bonus.failed", unprefixed.topic(models.TopicBonusFailed))
}
