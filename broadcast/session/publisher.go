package session

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/minbarhq/minbar-live/broadcast"
	"github.com/minbarhq/minbar-live/broadcast/presence"
	"github.com/minbarhq/minbar-live/internal/backend"
	"github.com/minbarhq/minbar-live/internal/errors"
	"github.com/minbarhq/minbar-live/internal/log"
	"github.com/minbarhq/minbar-live/internal/rtc"
	"github.com/minbarhq/minbar-live/internal/signaling"
)

const (
	// connectCeiling bounds every wait for a signaling event while a
	// session is being established. A gateway that goes silent is a
	// failure, not a hang.
	connectCeiling = 15 * time.Second

	presenceInterval = 5 * time.Second
	durationInterval = time.Second
)

// Publisher drives one broadcast: resolve the preacher's room, capture
// the microphone, negotiate a sendonly peer with the SFU and keep
// presence and duration counters running until the stream ends.
//
// Phases move idle -> connecting -> live -> ended. Every failure on the
// way up returns the session to idle with exactly one typed error; the
// session never retries on its own.
type Publisher struct {
	transport signaling.Transport
	api       backend.Client
	peers     rtc.Factory
	sources   SourceFactory
	clock     clockwork.Clock
	logger    *log.Logger
	notifier  broadcast.Notifier

	mu    sync.Mutex
	busy  bool
	gen   int
	state broadcast.State

	room   *backend.Room
	mic    MediaSource
	conn   signaling.Connection
	handle signaling.Handle
	peer   rtc.Peer
	poller *presence.Poller

	tickerCancel context.CancelFunc
	tickerWG     sync.WaitGroup
}

func NewPublisher(
	transport signaling.Transport,
	api backend.Client,
	peers rtc.Factory,
	sources SourceFactory,
	clock clockwork.Clock,
	notifier broadcast.Notifier,
	logger *log.Logger,
) *Publisher {
	if notifier == nil {
		notifier = broadcast.NopNotifier{}
	}
	return &Publisher{
		transport: transport,
		api:       api,
		peers:     peers,
		sources:   sources,
		clock:     clock,
		logger:    logger,
		notifier:  notifier,
		state:     broadcast.State{Phase: broadcast.PhaseIdle, Muted: true},
	}
}

// State returns a snapshot of the session.
func (p *Publisher) State() broadcast.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start runs the whole publish handshake and blocks until the session is
// live or has failed back to idle. Only one Start may run at a time.
func (p *Publisher) Start(ctx context.Context, preacherID string) error {
	p.mu.Lock()
	if p.busy || p.state.Phase != broadcast.PhaseIdle {
		phase := p.state.Phase
		p.mu.Unlock()
		return errors.Newf(broadcast.ErrAlreadyStarted, "phase %s", phase)
	}
	p.busy = true
	gen := p.gen
	p.mu.Unlock()

	err := p.run(ctx, gen, preacherID)

	p.mu.Lock()
	p.busy = false
	p.mu.Unlock()

	if err != nil {
		p.notifier.SessionError(err)
	}
	return err
}

func (p *Publisher) run(ctx context.Context, gen int, preacherID string) error {
	room, err := p.api.RoomInfo(ctx, preacherID)
	if err != nil {
		return err
	}

	// Microphone first. Denial leaves the session idle with nothing to
	// tear down and no signaling connection ever opened.
	mic, err := p.sources()
	if err == nil {
		err = mic.Open(ctx)
	}
	if err != nil {
		if mic != nil {
			mic.Close()
		}
		return errors.Wrap(broadcast.ErrMicrophoneDenied, err, "acquire microphone")
	}

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		mic.Close()
		return errors.New(broadcast.ErrSignalingConnectFailed, "session closed during start")
	}
	p.room = room
	p.mic = mic
	p.state.Phase = broadcast.PhaseConnecting
	snapshot := p.state
	p.mu.Unlock()
	p.notifier.StateChanged(snapshot)

	conn, err := p.transport.Connect(ctx)
	if err != nil {
		return p.fail(ctx, gen, broadcast.ErrSignalingConnectFailed, err, "connect to gateway")
	}
	if !p.adopt(gen, func() { p.conn = conn }) {
		_ = conn.Destroy(ctx)
		return errors.New(broadcast.ErrSignalingConnectFailed, "session closed during start")
	}

	handle, err := conn.Attach(ctx, signaling.PluginLiveRoom)
	if err != nil {
		return p.fail(ctx, gen, broadcast.ErrPluginAttachFailed, err, "attach plugin")
	}
	if !p.adopt(gen, func() { p.handle = handle }) {
		return errors.New(broadcast.ErrSignalingConnectFailed, "session closed during start")
	}

	if err := handle.JoinPublisher(ctx, room.RoomID, room.DisplayName, true, false); err != nil {
		return p.fail(ctx, gen, broadcast.ErrSignalingConnectFailed, err, "join room")
	}
	ev, err := signaling.WaitEvent(ctx, p.clock, handle, connectCeiling, func(e *signaling.Event) bool {
		return e.Type == "joined"
	})
	if err != nil {
		return p.fail(ctx, gen, broadcast.ErrSignalingConnectFailed, err, "wait join ack")
	}
	if ev.ErrorCode != 0 {
		return p.fail(ctx, gen, broadcast.ErrPublishRejected, nil,
			"join refused: %d %s", ev.ErrorCode, ev.ErrorText)
	}

	peer, err := p.peers(mic.Track(), p.logger.Module("peer"))
	if err != nil {
		return p.fail(ctx, gen, broadcast.ErrOfferFailed, err, "create peer")
	}
	if !p.adopt(gen, func() { p.peer = peer }) {
		_ = peer.Close()
		return errors.New(broadcast.ErrSignalingConnectFailed, "session closed during start")
	}

	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		return p.fail(ctx, gen, broadcast.ErrOfferFailed, err, "create offer")
	}
	if err := handle.Publish(ctx, offer); err != nil {
		return p.fail(ctx, gen, broadcast.ErrPublishRejected, err, "publish")
	}

	ev, err = signaling.WaitEvent(ctx, p.clock, handle, connectCeiling, func(e *signaling.Event) bool {
		return e.Configured == "ok" && e.JSEP != nil
	})
	if err != nil {
		return p.fail(ctx, gen, broadcast.ErrSignalingConnectFailed, err, "wait publish ack")
	}
	if ev.ErrorCode != 0 {
		return p.fail(ctx, gen, broadcast.ErrPublishRejected, nil,
			"publish refused: %d %s", ev.ErrorCode, ev.ErrorText)
	}
	if err := peer.SetRemoteAnswer(ev.JSEP); err != nil {
		return p.fail(ctx, gen, broadcast.ErrAnswerFailed, err, "apply remote answer")
	}

	return p.goLive(gen, room.LiveStreamID)
}

func (p *Publisher) goLive(gen int, liveStreamID int64) error {
	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return errors.New(broadcast.ErrSignalingConnectFailed, "session closed during start")
	}
	p.mic.SetMuted(false)
	p.state.Muted = false
	p.state.DurationSeconds = 0
	p.state.Phase = broadcast.PhaseLive

	tickerCtx, cancel := context.WithCancel(context.Background())
	p.tickerCancel = cancel
	p.tickerWG.Add(1)
	go p.runDurationTicker(tickerCtx, gen)

	poller := presence.New(p.clock, p.logger.Module("presence"), presenceInterval,
		func(ctx context.Context) (*presence.Tick, error) {
			stats, err := p.api.ListenerStats(ctx, liveStreamID)
			if err != nil {
				return nil, err
			}
			return &presence.Tick{
				Status:        backend.StreamActive,
				ListenerCount: stats.Listeners,
				Listeners:     stats.ListenersList,
			}, nil
		},
		func(tick *presence.Tick) { p.onPresence(gen, tick) },
	)
	p.poller = poller
	p.mu.Unlock()

	poller.Start(context.Background())
	p.logger.Info("broadcast live", log.Int64("liveStreamId", liveStreamID))
	p.notifier.StateChanged(p.State())
	return nil
}

func (p *Publisher) runDurationTicker(ctx context.Context, gen int) {
	defer p.tickerWG.Done()

	ticker := p.clock.NewTicker(durationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.mu.Lock()
			if p.gen != gen || p.state.Phase != broadcast.PhaseLive {
				p.mu.Unlock()
				return
			}
			p.state.DurationSeconds++
			snapshot := p.state
			p.mu.Unlock()
			p.notifier.StateChanged(snapshot)
		}
	}
}

func (p *Publisher) onPresence(gen int, tick *presence.Tick) {
	p.mu.Lock()
	if p.gen != gen || p.state.Phase != broadcast.PhaseLive {
		p.mu.Unlock()
		return
	}
	p.state.ListenerCount = tick.ListenerCount
	snapshot := p.state
	p.mu.Unlock()
	p.notifier.StateChanged(snapshot)
}

// ToggleMute flips the local capture gate. Purely local, no signaling
// round-trip, and a no-op unless the session is live.
func (p *Publisher) ToggleMute() broadcast.State {
	p.mu.Lock()
	if p.state.Phase != broadcast.PhaseLive || p.mic == nil {
		snapshot := p.state
		p.mu.Unlock()
		return snapshot
	}
	p.state.Muted = !p.state.Muted
	p.mic.SetMuted(p.state.Muted)
	snapshot := p.state
	p.mu.Unlock()

	p.notifier.StateChanged(snapshot)
	return snapshot
}

// End asks the backend to terminate the stream. The session only leaves
// live once the server confirms; a failed call keeps the session live so
// End can be retried.
func (p *Publisher) End(ctx context.Context) error {
	p.mu.Lock()
	if p.state.Phase != broadcast.PhaseLive {
		p.mu.Unlock()
		return errors.Newf(broadcast.ErrNotLive, "phase %s", p.state.Phase)
	}
	liveStreamID := p.room.LiveStreamID
	p.mu.Unlock()

	if err := p.api.EndStream(ctx, liveStreamID); err != nil {
		err = errors.Wrap(broadcast.ErrEndStreamFailed, err, "end stream")
		p.notifier.SessionError(err)
		return err
	}

	p.teardown(ctx, broadcast.PhaseEnded)
	p.notifier.StateChanged(p.State())
	p.logger.Info("broadcast ended", log.Int64("liveStreamId", liveStreamID))
	return nil
}

// Close releases everything from any phase without server confirmation.
// For process shutdown and failed starts; idempotent.
func (p *Publisher) Close(ctx context.Context) {
	p.teardown(ctx, broadcast.PhaseIdle)
}

func (p *Publisher) fail(ctx context.Context, gen int, code errors.Code, err error, format string, args ...any) error {
	p.mu.Lock()
	stale := p.gen != gen
	p.mu.Unlock()
	if !stale {
		p.teardown(ctx, broadcast.PhaseIdle)
		p.notifier.StateChanged(p.State())
	}
	if err != nil {
		return errors.Wrapf(code, err, format, args...)
	}
	return errors.Newf(code, format, args...)
}

// adopt stores an acquired resource unless the session was torn down
// while the acquisition was in flight.
func (p *Publisher) adopt(gen int, store func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen {
		return false
	}
	store()
	return true
}

func (p *Publisher) teardown(ctx context.Context, next broadcast.Phase) {
	p.mu.Lock()
	p.gen++

	var stopTicker func()
	if p.tickerCancel != nil {
		cancel := p.tickerCancel
		p.tickerCancel = nil
		stopTicker = func() {
			cancel()
			p.tickerWG.Wait()
		}
	}
	r := resources{
		stopTicker: stopTicker,
		poller:     p.poller,
		peer:       p.peer,
		handles:    []signaling.Handle{p.handle},
		conn:       p.conn,
		capture:    p.mic,
	}
	p.poller = nil
	p.peer = nil
	p.handle = nil
	p.conn = nil
	p.mic = nil
	p.room = nil

	if p.state.Phase != broadcast.PhaseEnded {
		if next == broadcast.PhaseEnded {
			// freeze the final duration and count for the ended snapshot
			p.state.Phase = broadcast.PhaseEnded
			p.state.Muted = true
		} else {
			p.state = broadcast.State{Phase: broadcast.PhaseIdle, Muted: true}
		}
	}
	p.mu.Unlock()

	release(ctx, p.logger, r)
}
