// Package hub delivers router notifications to sockets from a single
// goroutine, so frames reach each connection in the order they were queued.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"

	"classsync/pkg/interfaces"
	"classsync/pkg/types"
)

// DefaultQueueSize is the delivery queue length.
const DefaultQueueSize = 1000

// Sender writes an encoded frame to one connection without blocking.
type Sender interface {
	Send(connID string, data []byte) error
}

// Delivery is one encoded notification and its recipients.
type Delivery struct {
	ConnIDs []string
	Data    []byte
	Type    types.NotificationType
}

// Stats counts frames handed to connections and frames dropped.
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
}

// Hub implements interfaces.Notifier.
type Hub struct {
	deliveryChannel chan *Delivery
	shutdownChannel chan struct{}
	done            chan struct{}

	sender Sender

	delivered atomic.Uint64
	dropped   atomic.Uint64

	running bool
	mu      sync.RWMutex
}

// NewHub creates a stopped hub. A queueSize <= 0 selects DefaultQueueSize.
func NewHub(sender Sender, queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		deliveryChannel: make(chan *Delivery, queueSize),
		sender:          sender,
	}
}

// Start begins delivery in a background goroutine.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdownChannel = make(chan struct{})
	h.done = make(chan struct{})

	log.Println("Starting delivery hub...")
	go h.run(ctx, h.shutdownChannel, h.done)

	return nil
}

// Stop halts delivery and waits for the loop to exit. Queued frames are kept
// for a later Start.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdownChannel)
	done := h.done
	h.mu.Unlock()

	log.Println("Stopping delivery hub...")
	<-done
	return nil
}

// Notify encodes n once and queues it for every id. It never blocks: when
// the hub is stopped or its queue is full the notification is dropped.
func (h *Hub) Notify(connIDs []string, n types.Notification) {
	if len(connIDs) == 0 {
		return
	}

	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		h.dropped.Add(uint64(len(connIDs)))
		log.Printf("Hub not running, dropped %s for %d connections", n.Type, len(connIDs))
		return
	}

	data, err := json.Marshal(n)
	if err != nil {
		h.dropped.Add(uint64(len(connIDs)))
		log.Printf("Failed to encode %s notification: %v", n.Type, err)
		return
	}

	ids := make([]string, len(connIDs))
	copy(ids, connIDs)

	select {
	case h.deliveryChannel <- &Delivery{ConnIDs: ids, Data: data, Type: n.Type}:
	default:
		h.dropped.Add(uint64(len(ids)))
		log.Printf("Delivery queue full, dropped %s for %d connections", n.Type, len(ids))
	}
}

// Stats returns delivery counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
		Queued:    len(h.deliveryChannel),
	}
}

func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer log.Println("Hub delivery stopped")

	for {
		select {
		case delivery := <-h.deliveryChannel:
			h.deliver(delivery)

		case <-shutdown:
			log.Println("Hub shutdown requested")
			return

		case <-ctx.Done():
			log.Println("Hub context cancelled")
			return
		}
	}
}

func (h *Hub) deliver(delivery *Delivery) {
	for _, id := range delivery.ConnIDs {
		if err := h.sender.Send(id, delivery.Data); err != nil {
			h.dropped.Add(1)
			log.Printf("Failed to deliver %s to %s: %v", delivery.Type, id, err)
			continue
		}
		h.delivered.Add(1)
	}
}

var _ interfaces.Notifier = (*Hub)(nil)
