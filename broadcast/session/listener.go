package session

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"

	"github.com/minbarhq/minbar-live/broadcast"
	"github.com/minbarhq/minbar-live/broadcast/presence"
	"github.com/minbarhq/minbar-live/internal/backend"
	"github.com/minbarhq/minbar-live/internal/errors"
	"github.com/minbarhq/minbar-live/internal/log"
	"github.com/minbarhq/minbar-live/internal/rtc"
	"github.com/minbarhq/minbar-live/internal/signaling"
)

// Listener subscribes to the active publisher of a room and plays the
// audio locally. Phases move idle -> connecting -> live, with ended
// reachable from anywhere once the server reports the room over; the
// client never declares a room ended on its own.
type Listener struct {
	transport signaling.Transport
	api       backend.Client
	peers     rtc.Factory
	sinks     SinkFactory
	clock     clockwork.Clock
	logger    *log.Logger
	notifier  broadcast.Notifier
	userID    string

	mu    sync.Mutex
	busy  bool
	gen   int
	state broadcast.State

	room      *backend.Room
	conn      signaling.Connection
	discovery signaling.Handle
	sub       signaling.Handle
	peer      rtc.Peer
	sink      AudioSink
	poller    *presence.Poller

	watchCancel context.CancelFunc
	watchWG     sync.WaitGroup
}

func NewListener(
	transport signaling.Transport,
	api backend.Client,
	peers rtc.Factory,
	sinks SinkFactory,
	clock clockwork.Clock,
	userID string,
	notifier broadcast.Notifier,
	logger *log.Logger,
) *Listener {
	if notifier == nil {
		notifier = broadcast.NopNotifier{}
	}
	return &Listener{
		transport: transport,
		api:       api,
		peers:     peers,
		sinks:     sinks,
		clock:     clock,
		logger:    logger,
		notifier:  notifier,
		userID:    userID,
		state:     broadcast.State{Phase: broadcast.PhaseIdle, Muted: true},
	}
}

// State returns a snapshot of the session.
func (l *Listener) State() broadcast.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start joins the given room as a listener. It checks server-side
// liveness first: a room already over goes straight to ended without a
// single signaling exchange. With an active publisher present Start
// returns once audio is flowing; with none yet it returns with the
// session still connecting, subscribing as soon as a publisher shows up.
func (l *Listener) Start(ctx context.Context, room *backend.Room) error {
	l.mu.Lock()
	if l.busy || l.state.Phase != broadcast.PhaseIdle {
		phase := l.state.Phase
		l.mu.Unlock()
		return errors.Newf(broadcast.ErrAlreadyStarted, "phase %s", phase)
	}
	l.busy = true
	gen := l.gen
	l.mu.Unlock()

	err := l.run(ctx, gen, room)

	l.mu.Lock()
	l.busy = false
	l.mu.Unlock()

	if err != nil {
		l.notifier.SessionError(err)
	}
	return err
}

func (l *Listener) run(ctx context.Context, gen int, room *backend.Room) error {
	info, err := l.api.StreamInfo(ctx, room.RoomID)
	if err != nil {
		return err
	}
	if info.Status == backend.StreamEnded {
		l.mu.Lock()
		if l.gen == gen {
			l.state.Phase = broadcast.PhaseEnded
			l.state.ListenerCount = info.ListenerCount
		}
		l.mu.Unlock()
		l.notifier.StreamEnded(info.ListenerCount)
		return nil
	}

	l.api.NotifyJoin(ctx, room.RoomID, l.userID)

	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		return errors.New(broadcast.ErrSignalingConnectFailed, "session closed during start")
	}
	l.room = room
	l.sink = l.sinks()
	l.state.Phase = broadcast.PhaseConnecting
	l.state.ListenerCount = info.ListenerCount
	snapshot := l.state
	l.mu.Unlock()
	l.notifier.StateChanged(snapshot)

	conn, err := l.transport.Connect(ctx)
	if err != nil {
		return l.fail(ctx, gen, broadcast.ErrSignalingConnectFailed, err, "connect to gateway")
	}
	if !l.adopt(gen, func() { l.conn = conn }) {
		_ = conn.Destroy(ctx)
		return errors.New(broadcast.ErrSignalingConnectFailed, "session closed during start")
	}

	discovery, err := conn.Attach(ctx, signaling.PluginLiveRoom)
	if err != nil {
		return l.fail(ctx, gen, broadcast.ErrPluginAttachFailed, err, "attach discovery handle")
	}
	if !l.adopt(gen, func() { l.discovery = discovery }) {
		return errors.New(broadcast.ErrSignalingConnectFailed, "session closed during start")
	}

	// Zero-media join: the gateway reports active publishers only to
	// room members, so join without sending or receiving anything.
	if err := discovery.JoinPublisher(ctx, room.RoomID, "", false, false); err != nil {
		return l.fail(ctx, gen, broadcast.ErrSignalingConnectFailed, err, "discovery join")
	}
	ev, err := signaling.WaitEvent(ctx, l.clock, discovery, connectCeiling, func(e *signaling.Event) bool {
		return e.Type == "joined"
	})
	if err != nil {
		return l.fail(ctx, gen, broadcast.ErrSignalingConnectFailed, err, "wait discovery ack")
	}
	if ev.ErrorCode != 0 {
		return l.fail(ctx, gen, broadcast.ErrSignalingConnectFailed, nil,
			"discovery join refused: %d %s", ev.ErrorCode, ev.ErrorText)
	}

	l.startPoller(gen, room.RoomID)

	if len(ev.Publishers) > 0 {
		if err := l.subscribe(ctx, gen, ev.Publishers[0].ID); err != nil {
			return l.fail(ctx, gen, broadcast.ErrAnswerFailed, err, "subscribe")
		}
		return nil
	}

	// Nobody broadcasting yet. Stay connecting and watch the discovery
	// handle for a publishers announcement; the presence poller decides
	// when waiting turns into ended.
	l.logger.Info("no active publisher yet, waiting", log.Int64("roomId", room.RoomID))
	l.watchPublishers(gen)
	return nil
}

func (l *Listener) watchPublishers(gen int) {
	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		return
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	l.watchCancel = cancel
	discovery := l.discovery
	l.watchWG.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.watchWG.Done()
		for {
			select {
			case <-watchCtx.Done():
				return
			case ev, ok := <-discovery.Events():
				if !ok {
					return
				}
				if len(ev.Publishers) == 0 {
					continue
				}
				if err := l.subscribe(watchCtx, gen, ev.Publishers[0].ID); err != nil {
					if watchCtx.Err() != nil {
						return
					}
					l.logger.Warn("subscribe to announced publisher failed", log.Error(err))
					// teardown waits for this watcher, so fail off its goroutine
					go func() {
						ferr := l.fail(context.Background(), gen,
							broadcast.ErrAnswerFailed, err, "late subscribe")
						l.notifier.SessionError(ferr)
					}()
				}
				return
			}
		}
	}()
}

func (l *Listener) subscribe(ctx context.Context, gen int, feed int64) error {
	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		return errors.New(signaling.ErrClosed, "session closed")
	}
	conn := l.conn
	room := l.room
	l.mu.Unlock()

	sub, err := conn.Attach(ctx, signaling.PluginLiveRoom)
	if err != nil {
		return errors.Wrap(broadcast.ErrPluginAttachFailed, err, "attach subscriber handle")
	}
	if !l.adopt(gen, func() { l.sub = sub }) {
		_ = sub.Hangup(ctx)
		return errors.New(signaling.ErrClosed, "session closed")
	}

	if err := sub.JoinSubscriber(ctx, room.RoomID, feed); err != nil {
		return errors.Wrap(broadcast.ErrSignalingConnectFailed, err, "subscriber join")
	}
	ev, err := signaling.WaitEvent(ctx, l.clock, sub, connectCeiling, func(e *signaling.Event) bool {
		return e.JSEP != nil && e.JSEP.Type == "offer"
	})
	if err != nil {
		return errors.Wrap(broadcast.ErrSignalingConnectFailed, err, "wait subscriber offer")
	}
	if ev.ErrorCode != 0 {
		return errors.Newf(broadcast.ErrSignalingConnectFailed,
			"subscriber join refused: %d %s", ev.ErrorCode, ev.ErrorText)
	}

	peer, err := l.peers(nil, l.logger.Module("peer"))
	if err != nil {
		return errors.Wrap(broadcast.ErrAnswerFailed, err, "create peer")
	}
	if !l.adopt(gen, func() { l.peer = peer }) {
		_ = peer.Close()
		return errors.New(signaling.ErrClosed, "session closed")
	}
	peer.OnTrack(func(track *webrtc.TrackRemote) {
		l.attachTrack(gen, track)
	})

	answer, err := peer.AnswerRemoteOffer(ctx, ev.JSEP)
	if err != nil {
		return errors.Wrap(broadcast.ErrAnswerFailed, err, "answer offer")
	}
	if err := sub.Start(ctx, answer); err != nil {
		return errors.Wrap(broadcast.ErrAnswerFailed, err, "start subscription")
	}
	ev, err = signaling.WaitEvent(ctx, l.clock, sub, connectCeiling, func(e *signaling.Event) bool {
		return e.Started == "ok"
	})
	if err != nil {
		return errors.Wrap(broadcast.ErrSignalingConnectFailed, err, "wait start ack")
	}
	if ev.ErrorCode != 0 {
		return errors.Newf(broadcast.ErrSignalingConnectFailed,
			"start refused: %d %s", ev.ErrorCode, ev.ErrorText)
	}

	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		return errors.New(signaling.ErrClosed, "session closed")
	}
	l.state.Phase = broadcast.PhaseLive
	snapshot := l.state
	l.mu.Unlock()

	l.logger.Info("listening live", log.Int64("feed", feed))
	l.notifier.StateChanged(snapshot)
	return nil
}

// attachTrack routes the remote audio to the output sink. A track that
// arrives after teardown began is dropped, never attached to a
// half-destroyed sink.
func (l *Listener) attachTrack(gen int, track *webrtc.TrackRemote) {
	l.mu.Lock()
	if l.gen != gen || l.sink == nil {
		l.mu.Unlock()
		l.logger.Debug("remote track after teardown, dropped")
		return
	}
	sink := l.sink
	l.mu.Unlock()

	if err := sink.Attach(track); err != nil {
		l.logger.Warn("attach remote track", log.Error(err))
	}
}

func (l *Listener) startPoller(gen int, roomID int64) {
	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		return
	}
	poller := presence.New(l.clock, l.logger.Module("presence"), presenceInterval,
		func(ctx context.Context) (*presence.Tick, error) {
			info, err := l.api.StreamInfo(ctx, roomID)
			if err != nil {
				return nil, err
			}
			return &presence.Tick{
				Status:        info.Status,
				ListenerCount: info.ListenerCount,
			}, nil
		},
		func(tick *presence.Tick) { l.onPresence(gen, tick) },
	)
	l.poller = poller
	l.mu.Unlock()

	poller.Start(context.Background())
}

func (l *Listener) onPresence(gen int, tick *presence.Tick) {
	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		return
	}
	if tick.Status == backend.StreamEnded {
		l.mu.Unlock()
		// teardown stops the poller; do it off the poller's goroutine
		go l.endedByServer(gen, tick.ListenerCount)
		return
	}
	l.state.ListenerCount = tick.ListenerCount
	snapshot := l.state
	l.mu.Unlock()
	l.notifier.StateChanged(snapshot)
}

func (l *Listener) endedByServer(gen int, finalCount int) {
	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		return
	}
	roomID := l.room.RoomID
	l.mu.Unlock()

	ctx := context.Background()
	l.teardown(ctx, broadcast.PhaseEnded, finalCount)
	l.api.NotifyLeave(ctx, roomID, l.userID)
	l.logger.Info("stream ended by server",
		log.Int64("roomId", roomID),
		log.Int("finalListeners", finalCount))
	l.notifier.StreamEnded(finalCount)
}

// Stop closes the listening session from any phase. Always legal and
// idempotent.
func (l *Listener) Stop(ctx context.Context) {
	l.mu.Lock()
	var roomID int64
	if l.room != nil {
		roomID = l.room.RoomID
	}
	l.mu.Unlock()

	l.teardown(ctx, broadcast.PhaseIdle, 0)
	if roomID != 0 {
		l.api.NotifyLeave(ctx, roomID, l.userID)
	}
}

func (l *Listener) fail(ctx context.Context, gen int, code errors.Code, err error, format string, args ...any) error {
	l.mu.Lock()
	stale := l.gen != gen
	var roomID int64
	if l.room != nil {
		roomID = l.room.RoomID
	}
	l.mu.Unlock()
	if !stale {
		l.teardown(ctx, broadcast.PhaseIdle, 0)
		if roomID != 0 {
			l.api.NotifyLeave(ctx, roomID, l.userID)
		}
		l.notifier.StateChanged(l.State())
	}
	if errors.Is(err, code) {
		return err
	}
	if err != nil {
		return errors.Wrapf(code, err, format, args...)
	}
	return errors.Newf(code, format, args...)
}

func (l *Listener) teardown(ctx context.Context, next broadcast.Phase, finalCount int) {
	l.mu.Lock()
	l.gen++

	var stopWatch func()
	if l.watchCancel != nil {
		cancel := l.watchCancel
		l.watchCancel = nil
		stopWatch = func() {
			cancel()
			l.watchWG.Wait()
		}
	}
	r := resources{
		poller:  l.poller,
		sink:    l.sink,
		peer:    l.peer,
		handles: []signaling.Handle{l.sub, l.discovery},
		conn:    l.conn,
	}
	l.poller = nil
	l.sink = nil
	l.peer = nil
	l.sub = nil
	l.discovery = nil
	l.conn = nil
	l.room = nil

	if l.state.Phase != broadcast.PhaseEnded {
		if next == broadcast.PhaseEnded {
			l.state.Phase = broadcast.PhaseEnded
			l.state.ListenerCount = finalCount
			l.state.Muted = true
		} else {
			l.state = broadcast.State{Phase: broadcast.PhaseIdle, Muted: true}
		}
	}
	l.mu.Unlock()

	if stopWatch != nil {
		stopWatch()
	}
	release(ctx, l.logger, r)
}

// adopt stores an acquired resource unless the session was torn down
// while the acquisition was in flight.
func (l *Listener) adopt(gen int, store func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gen != gen {
		return false
	}
	store()
	return true
}
