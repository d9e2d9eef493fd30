package btconn

import (
	"sync"
	"time"

	"github.com/glycerine/idem"
	"go.uber.org/zap"
)

// dispatcher delivers events to the application context on a single
// goroutine, in the order they were pushed. The queue is unbounded so
// producers (worker read loops, radio callbacks) never block on the host.
type dispatcher struct {
	app  AppContext
	log  *zap.Logger
	halt *idem.Halter

	mu    sync.Mutex
	queue []Event
	wake  chan struct{}
}

func newDispatcher(app AppContext, log *zap.Logger) *dispatcher {
	d := &dispatcher{
		app:  app,
		log:  log,
		halt: idem.NewHalterNamed("dispatcher"),
		wake: make(chan struct{}, 1),
	}
	go d.run()
	return d
}

func (d *dispatcher) push(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	d.mu.Lock()
	if d.halt.ReqStop.IsClosed() {
		d.mu.Unlock()
		d.log.Debug("event dropped after shutdown", zap.Stringer("event", e))
		return
	}
	d.queue = append(d.queue, e)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer d.halt.Done.Close()
	for {
		select {
		case <-d.wake:
			d.drain()
		case <-d.halt.ReqStop.Chan:
			d.drain()
			return
		}
	}
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			d.app.Receive(e)
		}
	}
}

// stop delivers everything already queued and waits for the goroutine.
// ReqStop closes under mu, so every push either lands before the final
// drain or is dropped.
func (d *dispatcher) stop() {
	d.mu.Lock()
	d.halt.ReqStop.Close()
	d.mu.Unlock()
	<-d.halt.Done.Chan
}
