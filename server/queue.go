package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"linkbridge/protocol"
)

const (
	defaultMaxRetries    = 3
	defaultRetryDelay    = time.Second
	defaultQueueCapacity = 256
)

// DeliverFunc sends one envelope to one peer. Returning an error wrapping
// ErrPeerUnavailable parks the queue without spending an attempt.
type DeliverFunc func(peerID string, env *protocol.Envelope) error

// QueueOptions configures a DeliveryQueue.
type QueueOptions struct {
	// MaxRetries is the number of failed attempts after which an item is dropped.
	MaxRetries int
	RetryDelay time.Duration
	// Capacity bounds each peer's backlog; the oldest item is dropped on overflow.
	Capacity int

	Logger  *zap.Logger
	Metrics *Metrics
}

func (o QueueOptions) withDefaults() QueueOptions {
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if o.Capacity <= 0 {
		o.Capacity = defaultQueueCapacity
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Item is one queued outbound envelope.
type Item struct {
	PeerID     string
	Envelope   *protocol.Envelope
	Attempts   int
	EnqueuedAt time.Time
}

type peerQueue struct {
	items    []*Item
	draining bool
}

// DeliveryQueue is a per-peer FIFO of outbound envelopes with bounded
// retries. Each peer is drained by at most one goroutine, so envelopes reach
// a peer in enqueue order.
type DeliveryQueue struct {
	opts    QueueOptions
	log     *zap.Logger
	metrics *Metrics
	deliver DeliverFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	queues map[string]*peerQueue
}

// NewDeliveryQueue returns a queue that delivers through deliver.
func NewDeliveryQueue(deliver DeliverFunc, options QueueOptions) *DeliveryQueue {
	opts := options.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &DeliveryQueue{
		opts:    opts,
		log:     opts.Logger.Named("queue"),
		metrics: opts.Metrics,
		deliver: deliver,
		ctx:     ctx,
		cancel:  cancel,
		queues:  make(map[string]*peerQueue),
	}
}

// Enqueue appends env to the peer's queue and starts draining it. It never
// blocks on the network.
func (q *DeliveryQueue) Enqueue(peerID string, env *protocol.Envelope) error {
	if env == nil {
		return errors.New("server: nil envelope")
	}
	item := &Item{PeerID: peerID, Envelope: env, EnqueuedAt: time.Now()}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	pq, ok := q.queues[peerID]
	if !ok {
		pq = &peerQueue{}
		q.queues[peerID] = pq
	}
	var dropped *Item
	if len(pq.items) >= q.opts.Capacity {
		dropped = pq.items[0]
		pq.items = pq.items[1:]
	}
	pq.items = append(pq.items, item)
	start := q.startLocked(peerID, pq)
	q.mu.Unlock()

	if dropped != nil {
		q.metrics.observeDropped("capacity")
		q.log.Warn("delivery queue full, dropped oldest envelope",
			zap.String("peer_id", peerID),
			zap.String("type", dropped.Envelope.Type),
			zap.Error(ErrCapacityExceeded),
		)
	} else {
		q.metrics.addQueueDepth(1)
	}
	if start {
		go q.drain(peerID, pq)
	}
	return nil
}

// Flush restarts draining a parked queue, for example after the peer showed
// activity again.
func (q *DeliveryQueue) Flush(peerID string) {
	q.mu.Lock()
	pq, ok := q.queues[peerID]
	start := ok && !q.closed && len(pq.items) > 0 && q.startLocked(peerID, pq)
	q.mu.Unlock()
	if start {
		go q.drain(peerID, pq)
	}
}

func (q *DeliveryQueue) startLocked(peerID string, pq *peerQueue) bool {
	if pq.draining || q.closed {
		return false
	}
	pq.draining = true
	q.wg.Add(1)
	return true
}

// Purge discards everything queued for a peer and returns how many items
// were dropped.
func (q *DeliveryQueue) Purge(peerID string) int {
	q.mu.Lock()
	pq, ok := q.queues[peerID]
	if !ok {
		q.mu.Unlock()
		return 0
	}
	delete(q.queues, peerID)
	n := len(pq.items)
	pq.items = nil
	q.mu.Unlock()

	if n > 0 {
		q.metrics.addQueueDepth(-n)
		q.log.Debug("purged delivery queue", zap.String("peer_id", peerID), zap.Int("count", n))
	}
	return n
}

// Len returns the number of envelopes waiting for a peer.
func (q *DeliveryQueue) Len(peerID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if pq, ok := q.queues[peerID]; ok {
		return len(pq.items)
	}
	return 0
}

// Close stops retries and waits for in-flight deliveries.
func (q *DeliveryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}

func (q *DeliveryQueue) drain(peerID string, pq *peerQueue) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if q.closed || len(pq.items) == 0 || q.queues[peerID] != pq {
			pq.draining = false
			q.mu.Unlock()
			return
		}
		item := pq.items[0]
		q.mu.Unlock()

		err := q.deliver(peerID, item.Envelope)
		if err == nil {
			q.remove(pq, item)
			continue
		}

		if errors.Is(err, ErrPeerUnavailable) {
			q.mu.Lock()
			pq.draining = false
			q.mu.Unlock()
			q.log.Debug("peer unavailable, keeping backlog", zap.String("peer_id", peerID), zap.Int("queued", q.Len(peerID)))
			return
		}

		q.metrics.observeDeliveryFailure()
		q.mu.Lock()
		item.Attempts++
		attempts := item.Attempts
		q.mu.Unlock()

		if attempts >= q.opts.MaxRetries {
			if q.remove(pq, item) {
				q.metrics.observeDropped("max_retries")
				q.log.Warn("dropping envelope after failed deliveries",
					zap.String("peer_id", peerID),
					zap.String("type", item.Envelope.Type),
					zap.Int("attempts", attempts),
					zap.Error(err),
				)
			}
			continue
		}

		q.log.Debug("delivery failed, retrying",
			zap.String("peer_id", peerID),
			zap.String("type", item.Envelope.Type),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		timer := time.NewTimer(q.opts.RetryDelay)
		select {
		case <-q.ctx.Done():
			timer.Stop()
			q.mu.Lock()
			pq.draining = false
			q.mu.Unlock()
			return
		case <-timer.C:
		}
	}
}

// remove pops item if it is still at the head of its queue.
func (q *DeliveryQueue) remove(pq *peerQueue, item *Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(pq.items) == 0 || pq.items[0] != item {
		return false
	}
	pq.items[0] = nil
	pq.items = pq.items[1:]
	q.metrics.addQueueDepth(-1)
	return true
}
