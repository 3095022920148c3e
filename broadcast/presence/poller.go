package presence

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/minbarhq/minbar-live/internal/backend"
	"github.com/minbarhq/minbar-live/internal/log"
)

// Tick is one presence observation. Counts are already clamped to >= 0.
type Tick struct {
	Status        backend.StreamStatus
	ListenerCount int
	Listeners     []backend.Participant
}

// Fetch performs one presence poll against the platform API.
type Fetch func(ctx context.Context) (*Tick, error)

// Poller periodically reports room presence and liveness. It is a pure
// reporting utility: fetch failures are logged and swallowed, and it
// never touches session state itself. The owning session decides what a
// tick means.
type Poller struct {
	clock    clockwork.Clock
	logger   *log.Logger
	interval time.Duration
	fetch    Fetch
	onTick   func(*Tick)

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(
	clock clockwork.Clock,
	logger *log.Logger,
	interval time.Duration,
	fetch Fetch,
	onTick func(*Tick),
) *Poller {
	return &Poller{
		clock:    clock,
		logger:   logger,
		interval: interval,
		fetch:    fetch,
		onTick:   onTick,
	}
}

// Start begins polling. The first poll happens after one interval, not
// immediately; callers that need an up-front liveness check do it
// themselves before starting the poller.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go p.run(runCtx)
}

// Stop cancels polling and waits for the in-flight tick, so no onTick
// callback fires after Stop returns. Idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	tick, err := p.fetch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("presence poll failed", log.Error(err))
		}
		return
	}
	if tick == nil {
		return
	}
	if tick.ListenerCount < 0 {
		p.logger.Warn("negative listener count from server",
			log.Int("count", tick.ListenerCount))
		tick.ListenerCount = 0
	}
	if ctx.Err() != nil {
		return
	}
	p.onTick(tick)
}
