package messaging

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/minervahq/minerva/internal/flow"
	"github.com/minervahq/minerva/internal/models"
	"github.com/minervahq/minerva/internal/store"
)

// Constants for dispatcher configuration
const (
	// DefaultQueueBufferSize defines the per-identity turn queue buffer
	DefaultQueueBufferSize = 16
	// MsgStorageRetry is sent when a turn could not be processed due to a
	// storage outage. Internal errors are never surfaced to the party.
	MsgStorageRetry = "We hit a temporary problem. Please resend your last message."
)

// Dispatcher routes inbound turns through the intake engine.
//
// For each turn it loads (or lazily creates) the sender's session, runs one
// engine transition, saves the session unconditionally and sends the reply.
// Turns for the same identity are processed strictly in order on a dedicated
// queue, so a burst of rapid messages cannot cause a lost update; turns for
// different identities interleave freely.
type Dispatcher struct {
	service  Service
	sessions store.Store
	engine   *flow.Engine

	mu     sync.Mutex
	queues map[string]chan models.Turn
	wg     sync.WaitGroup

	storageErrors atomic.Uint64
}

// NewDispatcher creates a dispatcher over the given transport, session store
// and intake engine.
func NewDispatcher(service Service, sessions store.Store, engine *flow.Engine) *Dispatcher {
	return &Dispatcher{
		service:  service,
		sessions: sessions,
		engine:   engine,
		queues:   make(map[string]chan models.Turn),
	}
}

// Run consumes turns from the transport until the context is cancelled or
// the transport's turn channel closes. It blocks; run it in its own goroutine
// if the caller has other work to do.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("Dispatcher running")
	defer d.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Dispatcher stopping due to context cancellation")
			return ctx.Err()
		case turn, ok := <-d.service.Turns():
			if !ok {
				slog.Info("Dispatcher stopping, turn channel closed")
				d.closeQueues()
				return nil
			}
			d.enqueue(ctx, turn)
		}
	}
}

// StorageErrors reports how many turns failed on session load/save. A
// non-zero, growing value means the session store is unavailable and no
// conversation can progress.
func (d *Dispatcher) StorageErrors() uint64 {
	return d.storageErrors.Load()
}

// enqueue hands the turn to the sender's serial queue, creating the queue
// and its worker on first contact.
func (d *Dispatcher) enqueue(ctx context.Context, turn models.Turn) {
	d.mu.Lock()
	q, ok := d.queues[turn.From]
	if !ok {
		q = make(chan models.Turn, DefaultQueueBufferSize)
		d.queues[turn.From] = q
		d.wg.Add(1)
		go d.worker(ctx, turn.From, q)
	}
	d.mu.Unlock()

	select {
	case q <- turn:
	default:
		// The party is flooding faster than their turns can be processed.
		slog.Warn("Dispatcher queue full, dropping turn", "identity", turn.From)
	}
}

// closeQueues releases all identity workers once no more turns can arrive.
// Workers drain whatever is still buffered before exiting.
func (d *Dispatcher) closeQueues() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, q := range d.queues {
		close(q)
	}
	d.queues = make(map[string]chan models.Turn)
}

// worker drains one identity's queue, processing its turns strictly in order.
func (d *Dispatcher) worker(ctx context.Context, identity string, q chan models.Turn) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case turn, ok := <-q:
			if !ok {
				return
			}
			d.handleTurn(ctx, turn)
		}
	}
}

// handleTurn runs one full load-transition-save-send cycle.
func (d *Dispatcher) handleTurn(ctx context.Context, turn models.Turn) {
	sess, err := d.sessions.GetSession(turn.From)
	if err != nil {
		d.storageErrors.Add(1)
		slog.Error("Dispatcher session load failed", "error", err, "identity", turn.From)
		d.send(ctx, turn.From, MsgStorageRetry)
		return
	}
	if sess == nil {
		slog.Debug("Dispatcher creating session for new identity", "identity", turn.From)
		sess = models.NewSession(turn.From)
	}

	reply := d.engine.HandleTurn(ctx, sess, turn)
	sess.UpdatedAt = time.Now()

	// Persist after every turn, success or caught failure, so a crash never
	// loses more than the in-flight turn.
	if err := d.sessions.SaveSession(*sess); err != nil {
		d.storageErrors.Add(1)
		slog.Error("Dispatcher session save failed", "error", err, "identity", turn.From, "step", sess.Step)
		d.send(ctx, turn.From, MsgStorageRetry)
		return
	}

	if reply != "" {
		d.send(ctx, turn.From, reply)
	}
}

// send forwards a reply, logging (never propagating) transport failures so
// one identity's broken sends cannot stall the dispatch loop.
func (d *Dispatcher) send(ctx context.Context, to, body string) {
	if err := d.service.SendMessage(ctx, to, body); err != nil {
		slog.Error("Dispatcher failed to send reply", "error", err, "to", to)
	}
}
