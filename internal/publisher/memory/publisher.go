// Package memory keeps published handoffs in process. It backs tests and the
// "memory" publish driver used for dry runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Message is one recorded publish: the topic and the JSON body that would
// have been sent.
type Message struct {
	ID    string
	Topic string
	Data  json.RawMessage
}

// Publisher records JSON-encoded payloads per topic.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
	failWith error
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes every later Publish return err. Pass nil to clear it.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	p.failWith = err
	p.mu.Unlock()
}

// Publish encodes payload the same way the Pub/Sub driver does and records it.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return "", fmt.Errorf("publish %s: %w", topic, p.failWith)
	}
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Data: data})
	return id, nil
}

// Messages returns a copy of everything published so far.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// Decode unmarshals every message sent to topic into a fresh T.
func Decode[T any](p *Publisher, topic string) ([]T, error) {
	var out []T
	for _, m := range p.Messages() {
		if m.Topic != topic {
			continue
		}
		var v T
		if err := json.Unmarshal(m.Data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", m.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}
