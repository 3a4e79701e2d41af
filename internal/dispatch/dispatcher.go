// Package dispatch serializes every command and read onto the goroutine that
// owns the core. Transports call Submit and View concurrently.
package dispatch

import (
	"ArenaLedger/internal/core"
	"ArenaLedger/internal/event"
	"ArenaLedger/internal/observability"
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrStopped is returned once the dispatcher loop has exited
var ErrStopped = errors.New("dispatcher stopped")

// SnapshotFunc receives a snapshot taken on the core goroutine. It runs on
// that goroutine too, so it should hand the state off and return.
type SnapshotFunc func(*core.SnapshotState)

type request struct {
	ctx      context.Context
	evt      event.Event
	view     func(*core.Engine)
	received time.Time
	done     chan response
}

type response struct {
	result *core.Result
	err    error
}

// Dispatcher is the only caller of the engine after startup
type Dispatcher struct {
	engine   *core.Engine
	requests chan request
	stopped  chan struct{}
	metrics  *observability.Metrics
	logger   zerolog.Logger

	snapshotEvery int64
	onSnapshot    SnapshotFunc
}

func New(engine *core.Engine, queueSize int, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		engine:   engine,
		requests: make(chan request, queueSize),
		stopped:  make(chan struct{}),
		metrics:  metrics,
		logger:   logger,
	}
}

// SnapshotEvery arranges for fn to receive a snapshot after every interval
// applied operations. Call before Run.
func (d *Dispatcher) SnapshotEvery(interval int64, fn SnapshotFunc) {
	d.snapshotEvery = interval
	d.onSnapshot = fn
}

// Submit applies one operation and waits for its result. ctx carries the
// caller identity and bounds the wait; an operation already queued still
// applies even if ctx expires first.
func (d *Dispatcher) Submit(ctx context.Context, evt event.Event) (*core.Result, error) {
	resp, err := d.do(ctx, request{ctx: ctx, evt: evt})
	if err != nil {
		return nil, err
	}
	return resp.result, resp.err
}

// View runs fn against the engine on the core goroutine. fn must not retain
// anything the engine owns.
func (d *Dispatcher) View(ctx context.Context, fn func(*core.Engine)) error {
	_, err := d.do(ctx, request{ctx: ctx, view: fn})
	return err
}

func (d *Dispatcher) do(ctx context.Context, req request) (response, error) {
	req.received = time.Now()
	req.done = make(chan response, 1)

	select {
	case d.requests <- req:
	case <-d.stopped:
		return response{}, ErrStopped
	case <-ctx.Done():
		return response{}, ctx.Err()
	}

	select {
	case resp := <-req.done:
		return resp, nil
	case <-d.stopped:
		return response{}, ErrStopped
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

// Run processes requests until ctx is cancelled. Core panics propagate.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.stopped)

	for {
		if d.metrics != nil {
			d.metrics.SetChannelMetrics("dispatch", len(d.requests), cap(d.requests))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case req := <-d.requests:
			if req.view != nil {
				req.view(d.engine)
				req.done <- response{}
				continue
			}
			d.apply(req)
		}
	}
}

func (d *Dispatcher) apply(req request) {
	result, err := d.engine.ProcessEvent(req.ctx, req.evt)
	req.done <- response{result: result, err: err}
	if err != nil {
		return
	}

	if d.metrics != nil {
		d.metrics.IngestToApply.WithLabelValues(req.evt.EventType().String()).
			Observe(time.Since(req.received).Seconds())
	}

	if d.onSnapshot != nil && d.snapshotEvery > 0 && result.Sequence%d.snapshotEvery == 0 {
		d.logger.Info().Int64("seq", result.Sequence).Msg("taking snapshot")
		d.onSnapshot(d.engine.CreateSnapshotState())
	}
}
