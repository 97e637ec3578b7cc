package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/kasha/gateway/internal/logging"
	"github.com/kasha/gateway/internal/metrics"
	"github.com/kasha/gateway/internal/snapshot"
)

// Notification is the payload POSTed to a render's callbackUrl.
type Notification struct {
	OK        bool         `json:"ok"`
	Key       snapshot.Key `json:"key"`
	ErrorKind string       `json:"errorKind,omitempty"`

	url string
}

const (
	notifierWorkers   = 2
	notifierQueueSize = 256
	callbackTimeout   = 10 * time.Second
	callbackRetries   = 3
)

// Notifier delivers callback notifications with retries. Delivery is
// best-effort: it never affects the primary response, and exhausted
// retries are only logged.
type Notifier struct {
	queue  chan *Notification
	client *http.Client
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNotifier starts the notifier worker pool.
func NewNotifier() *Notifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		queue:  make(chan *Notification, notifierQueueSize),
		client: &http.Client{Timeout: callbackTimeout},
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < notifierWorkers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	return n
}

// Notify enqueues a notification. Non-blocking: if the queue is full
// the notification is dropped and counted.
func (n *Notifier) Notify(url string, ok bool, key snapshot.Key, errorKind string) {
	msg := &Notification{OK: ok, Key: key, ErrorKind: errorKind, url: url}
	select {
	case n.queue <- msg:
	default:
		metrics.CallbackDeliveries.WithLabelValues("dropped").Inc()
		logging.Warn("callback queue full, notification dropped", zap.String("url", url))
	}
}

// Close stops the workers after the queue drains.
func (n *Notifier) Close() {
	close(n.queue)
	n.wg.Wait()
	n.cancel()
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for msg := range n.queue {
		n.deliverWithRetry(msg)
	}
}

// deliverWithRetry attempts delivery up to callbackRetries+1 times
// with exponential backoff (1 s, 4 s, 16 s).
func (n *Notifier) deliverWithRetry(msg *Notification) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 4
	b.RandomizationFactor = 0
	b.MaxInterval = 16 * time.Second

	err := backoff.Retry(func() error {
		return n.deliver(msg)
	}, backoff.WithMaxRetries(backoff.WithContext(b, n.ctx), callbackRetries))

	if err != nil {
		metrics.CallbackDeliveries.WithLabelValues("failed").Inc()
		logging.Error("callback delivery failed",
			zap.String("url", msg.url),
			zap.String("key", msg.Key.Path),
			zap.Error(err),
		)
		return
	}
	metrics.CallbackDeliveries.WithLabelValues("delivered").Inc()
}

func (n *Notifier) deliver(msg *Notification) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("marshal notification: %w", err))
	}

	req, err := http.NewRequestWithContext(n.ctx, http.MethodPost, msg.url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback endpoint returned %d", resp.StatusCode)
	}
	return nil
}
