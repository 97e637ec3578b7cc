// Package bus carries render jobs to the worker pool and correlated
// replies back, over AMQP. Jobs go to a shared durable queue with
// competing consumers; each gateway instance consumes an exclusive
// reply queue named after its pid.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/kasha/gateway/internal/config"
	"github.com/kasha/gateway/internal/logging"
	"github.com/kasha/gateway/internal/snapshot"
)

// RenderJob is the outbound envelope published to the jobs queue.
type RenderJob struct {
	CorrelationID string              `json:"correlationId"`
	ReplyTopic    string              `json:"replyTopic"`
	URL           string              `json:"url"`
	DeviceType    snapshot.DeviceType `json:"deviceType"`
	Type          snapshot.RenderType `json:"type"`
	CallbackURL   string              `json:"callbackUrl,omitempty"`
	MetaOnly      bool                `json:"metaOnly,omitempty"`
}

// RenderReply is the inbound envelope a worker sends after rendering.
// When a snapshot would exceed the bus size budget the worker stores
// it directly and sets SnapshotStored instead of inlining it.
type RenderReply struct {
	CorrelationID  string             `json:"correlationId"`
	OK             bool               `json:"ok"`
	Snapshot       *snapshot.Snapshot `json:"snapshot,omitempty"`
	SnapshotStored bool               `json:"snapshotStored,omitempty"`
	Key            *snapshot.Key      `json:"key,omitempty"`
	ErrorKind      string             `json:"errorKind,omitempty"`
	ErrorMessage   string             `json:"errorMessage,omitempty"`
}

// ReplyHandler receives each RenderReply exactly once.
type ReplyHandler func(*RenderReply)

// WorkerBus is the gateway side of the render job bus.
type WorkerBus struct {
	conn       *amqp091.Connection
	pubCh      *amqp091.Channel
	subCh      *amqp091.Channel
	jobsQueue  string
	replyQueue string

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Dial connects to the bus and declares both queues. The reply queue
// is exclusive and auto-deleted with the connection.
func Dial(cfg config.BusConfig) (*WorkerBus, error) {
	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus: publish channel: %w", err)
	}
	subCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus: consume channel: %w", err)
	}

	if _, err := pubCh.QueueDeclare(cfg.JobsQueue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus: declare jobs queue: %w", err)
	}

	replyQueue := fmt.Sprintf("%s.%d", cfg.ReplyPrefix, os.Getpid())
	if _, err := subCh.QueueDeclare(replyQueue, false, true, true, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus: declare reply queue: %w", err)
	}

	return &WorkerBus{
		conn:       conn,
		pubCh:      pubCh,
		subCh:      subCh,
		jobsQueue:  cfg.JobsQueue,
		replyQueue: replyQueue,
	}, nil
}

// ReplyTopic returns the name of this instance's reply queue.
func (b *WorkerBus) ReplyTopic() string {
	return b.replyQueue
}

// Publish sends a render job. Fire-and-forget; the broker provides
// at-least-once delivery to the workers.
func (b *WorkerBus) Publish(ctx context.Context, job *RenderJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("bus: marshal job: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = b.pubCh.PublishWithContext(ctx, "", b.jobsQueue, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		CorrelationId: job.CorrelationID,
		ReplyTo:       job.ReplyTopic,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	return nil
}

// OnReply starts consuming the reply queue, invoking handler once per
// delivery. Undecodable payloads are acked and dropped.
func (b *WorkerBus) OnReply(handler ReplyHandler) error {
	deliveries, err := b.subCh.Consume(b.replyQueue, "", false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("bus: consume: %w", err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for d := range deliveries {
			var reply RenderReply
			if err := json.Unmarshal(d.Body, &reply); err != nil {
				logging.Warn("dropping undecodable reply", zap.Error(err))
				d.Ack(false)
				continue
			}
			handler(&reply)
			d.Ack(false)
		}
	}()
	return nil
}

// Close shuts the channels and the connection down. The consume loop
// exits when the broker closes the delivery stream.
func (b *WorkerBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.pubCh.Close()
	b.subCh.Close()
	err := b.conn.Close()
	b.wg.Wait()
	return err
}
