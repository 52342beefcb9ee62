// Package surface fans transcript snapshots out to display clients.
package surface

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-captions/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Surface is one display client. Done may return nil for surfaces that only
// go away when detached.
type Surface interface {
	ID() string
	Push(protocol.Snapshot) error
	Done() <-chan struct{}
}

type attachment struct {
	surface Surface
	mailbox chan protocol.Snapshot
	stop    chan struct{}
	once    sync.Once
}

func (a *attachment) close() {
	a.once.Do(func() { close(a.stop) })
}

// offer replaces whatever is waiting in the mailbox with s.
func (a *attachment) offer(s protocol.Snapshot) {
	select {
	case a.mailbox <- s:
		return
	default:
	}
	select {
	case <-a.mailbox:
	default:
	}
	select {
	case a.mailbox <- s:
	default:
	}
}

// Broadcaster delivers every snapshot to all attached surfaces without ever
// blocking the caller. Each surface has its own goroutine and a one-slot
// mailbox, so a slow surface only ever sees the newest snapshot.
type Broadcaster struct {
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	latest    protocol.Snapshot
	hasLatest bool
	surfaces  map[string]*attachment

	pruned metric.Int64Counter
}

func NewBroadcaster(parent context.Context, log *slog.Logger) *Broadcaster {
	ctx, cancel := context.WithCancel(parent)
	b := &Broadcaster{
		log:      log.With(slog.String("component", "surface-broadcaster")),
		ctx:      ctx,
		cancel:   cancel,
		surfaces: make(map[string]*attachment),
	}
	if err := b.initMetrics(); err != nil {
		b.log.Warn("failed to initialize metrics", slogError(err))
	}
	return b
}

func (b *Broadcaster) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-captions/surface")
	pruned, err := meter.Int64Counter("captions.surfaces.pruned", metric.WithDescription("Surfaces removed after a failed push"))
	if err != nil {
		return err
	}
	b.pruned = pruned
	gauge, err := meter.Int64ObservableGauge("captions.surfaces.attached", metric.WithDescription("Attached display surfaces"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(b.Len()))
		return nil
	}, gauge)
	return err
}

// Attach registers s. A surface attached after the first broadcast receives
// the latest snapshot straight away.
func (b *Broadcaster) Attach(s Surface) {
	a := &attachment{
		surface: s,
		mailbox: make(chan protocol.Snapshot, 1),
		stop:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.ctx.Err() != nil {
		b.mu.Unlock()
		return
	}
	if prev, ok := b.surfaces[s.ID()]; ok {
		prev.close()
	}
	b.surfaces[s.ID()] = a
	if b.hasLatest {
		a.offer(b.latest)
	}
	b.wg.Add(1)
	b.mu.Unlock()

	b.log.Debug("surface attached", slog.String("surface", s.ID()))
	go b.run(a)
}

// Detach removes the surface with the given id, if attached.
func (b *Broadcaster) Detach(id string) {
	b.mu.Lock()
	a, ok := b.surfaces[id]
	if ok {
		delete(b.surfaces, id)
	}
	b.mu.Unlock()
	if ok {
		a.close()
		b.log.Debug("surface detached", slog.String("surface", id))
	}
}

func (b *Broadcaster) detachAttachment(a *attachment) {
	id := a.surface.ID()
	b.mu.Lock()
	if cur, ok := b.surfaces[id]; ok && cur == a {
		delete(b.surfaces, id)
	}
	b.mu.Unlock()
	a.close()
}

// Broadcast records s as the latest snapshot and hands it to every surface.
// A versioned snapshot older than the latest one is dropped.
func (b *Broadcaster) Broadcast(s protocol.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hasLatest && s.Version != 0 && s.Version <= b.latest.Version {
		b.log.Debug("dropping stale snapshot",
			slog.Uint64("version", s.Version),
			slog.Uint64("latest", b.latest.Version))
		return
	}
	b.latest = s
	b.hasLatest = true
	for _, a := range b.surfaces {
		a.offer(s)
	}
}

// Latest returns the most recent snapshot, empty before the first broadcast.
func (b *Broadcaster) Latest() protocol.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}

func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.surfaces)
}

func (b *Broadcaster) run(a *attachment) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-a.stop:
			return
		case <-a.surface.Done():
			b.detachAttachment(a)
			b.log.Debug("surface went away", slog.String("surface", a.surface.ID()))
			return
		case snap := <-a.mailbox:
			if err := a.surface.Push(snap); err != nil {
				b.detachAttachment(a)
				if b.pruned != nil {
					b.pruned.Add(context.Background(), 1)
				}
				b.log.Info("pruning surface after failed push",
					slog.String("surface", a.surface.ID()),
					slogError(err))
				return
			}
		}
	}
}

// Close detaches every surface and waits for their goroutines.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.cancel()
	for id, a := range b.surfaces {
		a.close()
		delete(b.surfaces, id)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
