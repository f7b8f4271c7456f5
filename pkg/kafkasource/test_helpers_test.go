package kafkasource_test

import (
	"context"
	"io"
	"sync"

	"github.com/segmentio/kafka-go"
)

// MockMessageReader serves queued messages and records commits.
type MockMessageReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed [][]kafka.Message
	closed    bool
	FetchErr  error
}

func (m *MockMessageReader) Enqueue(msgs ...kafka.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, msgs...)
}

// FetchMessage returns io.EOF once the queue is drained, as kafka-go does
// after Close.
func (m *MockMessageReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if err := ctx.Err(); err != nil {
		return kafka.Message{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FetchErr != nil {
		return kafka.Message{}, m.FetchErr
	}
	if len(m.queue) == 0 {
		return kafka.Message{}, io.EOF
	}
	msg := m.queue[0]
	m.queue = m.queue[1:]
	return msg, nil
}

func (m *MockMessageReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed = append(m.committed, msgs)
	return nil
}

func (m *MockMessageReader) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockMessageReader) GetCommitted() [][]kafka.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed
}

// MockMessageWriter records written messages.
type MockMessageWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	WriteErr error
}

func (m *MockMessageWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.messages = append(m.messages, msgs...)
	return nil
}

func (m *MockMessageWriter) Close() error { return nil }

func (m *MockMessageWriter) GetMessages() []kafka.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages
}
