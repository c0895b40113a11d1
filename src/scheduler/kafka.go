// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"continuumtasks/src/task"

	kgo "github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the scheduler uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// KafkaScheduler publishes trigger changes to a Kafka topic keyed by oid,
// so events of one task stay ordered.
type KafkaScheduler struct {
	writer  MessageWriter
	timeout time.Duration
}

func NewKafkaScheduler(brokersCSV, topic string) (*KafkaScheduler, error) {
	brokers := SplitCSV(brokersCSV)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka scheduler: no brokers configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka scheduler: topic cannot be empty")
	}
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireOne,
	}
	return NewKafkaSchedulerWithWriter(w), nil
}

func NewKafkaSchedulerWithWriter(w MessageWriter) *KafkaScheduler {
	return &KafkaScheduler{writer: w, timeout: 3 * time.Second}
}

func (k *KafkaScheduler) Close() error { return k.writer.Close() }

func (k *KafkaScheduler) Resynchronize(ctx context.Context, t *task.Task) error {
	return k.publish(ctx, t, ActionResync)
}

func (k *KafkaScheduler) CloseWithoutPersisting(ctx context.Context, t *task.Task) error {
	return k.publish(ctx, t, ActionClose)
}

func (k *KafkaScheduler) publish(ctx context.Context, t *task.Task, action Action) error {
	if !t.IsPersistent() {
		return nil
	}
	b, err := NewEvent(t, action).Encode()
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	err = k.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(t.OID()),
		Value: b,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("publish %s for task %s: %w", action, t.OID(), err)
	}
	return nil
}

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kgo.Message, error)
	CommitMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// KafkaConsumer reads scheduler events on the worker side.
type KafkaConsumer struct {
	reader MessageReader
}

func NewKafkaConsumer(brokersCSV, topic, groupID string) *KafkaConsumer {
	r := kgo.NewReader(kgo.ReaderConfig{
		Brokers:        SplitCSV(brokersCSV),
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
	})
	return NewKafkaConsumerWithReader(r)
}

func NewKafkaConsumerWithReader(r MessageReader) *KafkaConsumer {
	return &KafkaConsumer{reader: r}
}

func (c *KafkaConsumer) Close() error { return c.reader.Close() }

// ReadEvent blocks until an event arrives. The returned commit func must be
// called once the event was handled. Undecodable messages are committed
// right away so they are not read again.
func (c *KafkaConsumer) ReadEvent(ctx context.Context) (Event, func(context.Context) error, error) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Event{}, nil, err
	}
	e, err := Decode(m.Value)
	if err != nil {
		_ = c.reader.CommitMessages(ctx, m)
		return Event{}, nil, err
	}
	commit := func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return c.reader.CommitMessages(cctx, m)
	}
	return e, commit, nil
}

// Run forwards every decoded event to handle until ctx is done.
func (c *KafkaConsumer) Run(ctx context.Context, handle func(Event)) error {
	for {
		e, commit, err := c.ReadEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrBadEvent) {
				continue
			}
			return err
		}
		handle(e)
		if err := commit(ctx); err != nil {
			return fmt.Errorf("commit scheduler event %s: %w", e.OID, err)
		}
	}
}

func SplitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
