package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/minbarhq/minbar-live/broadcast"
	"github.com/minbarhq/minbar-live/internal/backend"
	"github.com/minbarhq/minbar-live/internal/errors"
	"github.com/minbarhq/minbar-live/internal/log"
	"github.com/minbarhq/minbar-live/internal/rtc"
	"github.com/minbarhq/minbar-live/internal/signaling"
)

// --- signaling fakes ---

type fakeTransport struct {
	conn       *fakeConn
	connectErr error
	connects   atomic.Int32
}

func (t *fakeTransport) Connect(_ context.Context) (signaling.Connection, error) {
	t.connects.Add(1)
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	return t.conn, nil
}

type fakeConn struct {
	mu        sync.Mutex
	handles   []*fakeHandle
	next      int
	attachErr error
	destroys  atomic.Int32
}

func (c *fakeConn) Attach(_ context.Context, _ string) (signaling.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attachErr != nil {
		return nil, c.attachErr
	}
	if c.next >= len(c.handles) {
		return nil, errors.New(signaling.ErrAttachFailed, "no more handles scripted")
	}
	h := c.handles[c.next]
	c.next++
	return h, nil
}

func (c *fakeConn) Destroy(_ context.Context) error {
	if c.destroys.Add(1) == 1 {
		c.mu.Lock()
		for _, h := range c.handles {
			h.closeEvents()
		}
		c.mu.Unlock()
	}
	return nil
}

type fakeHandle struct {
	id     int64
	events chan *signaling.Event

	onJoinPublisher  func(room int64, display string, audio, video bool) error
	onJoinSubscriber func(room, feed int64) error
	onPublish        func(offer *signaling.JSEP) error
	onStart          func(answer *signaling.JSEP) error

	hangups   atomic.Int32
	closeOnce sync.Once
}

func newFakeHandle(id int64) *fakeHandle {
	return &fakeHandle{id: id, events: make(chan *signaling.Event, 8)}
}

func (h *fakeHandle) HandleID() int64                 { return h.id }
func (h *fakeHandle) Events() <-chan *signaling.Event { return h.events }

func (h *fakeHandle) push(ev *signaling.Event) { h.events <- ev }

func (h *fakeHandle) closeEvents() {
	h.closeOnce.Do(func() { close(h.events) })
}

func (h *fakeHandle) JoinPublisher(_ context.Context, room int64, display string, audio, video bool) error {
	if h.onJoinPublisher != nil {
		return h.onJoinPublisher(room, display, audio, video)
	}
	return nil
}

func (h *fakeHandle) JoinSubscriber(_ context.Context, room, feed int64) error {
	if h.onJoinSubscriber != nil {
		return h.onJoinSubscriber(room, feed)
	}
	return nil
}

func (h *fakeHandle) Publish(_ context.Context, offer *signaling.JSEP) error {
	if h.onPublish != nil {
		return h.onPublish(offer)
	}
	return nil
}

func (h *fakeHandle) Start(_ context.Context, answer *signaling.JSEP) error {
	if h.onStart != nil {
		return h.onStart(answer)
	}
	return nil
}

func (h *fakeHandle) Hangup(_ context.Context) error {
	h.hangups.Add(1)
	return nil
}

// --- backend fake ---

type fakeBackend struct {
	mu            sync.Mutex
	room          *backend.Room
	roomErr       error
	endErr        error
	endCalls      int
	streamStatus  backend.StreamStatus
	streamInfoErr error
	listeners     int
	joins         int
	leaves        int
}

func (b *fakeBackend) RoomInfo(_ context.Context, _ string) (*backend.Room, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.roomErr != nil {
		return nil, b.roomErr
	}
	return b.room, nil
}

func (b *fakeBackend) EndStream(_ context.Context, _ int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.endCalls++
	return b.endErr
}

func (b *fakeBackend) ListenerStats(_ context.Context, _ int64) (*backend.ListenerStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &backend.ListenerStats{Listeners: b.listeners}, nil
}

func (b *fakeBackend) StreamInfo(_ context.Context, _ int64) (*backend.StreamInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streamInfoErr != nil {
		return nil, b.streamInfoErr
	}
	return &backend.StreamInfo{Status: b.streamStatus, ListenerCount: b.listeners}, nil
}

func (b *fakeBackend) NotifyJoin(_ context.Context, _ int64, _ string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.joins++
}

func (b *fakeBackend) NotifyLeave(_ context.Context, _ int64, _ string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaves++
}

func (b *fakeBackend) setStatus(status backend.StreamStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamStatus = status
}

func (b *fakeBackend) setEndErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.endErr = err
}

func (b *fakeBackend) counts() (joins, leaves, ends int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.joins, b.leaves, b.endCalls
}

// --- media fakes ---

type fakeSource struct {
	openErr error
	muted   atomic.Bool
	opened  atomic.Bool
	closed  atomic.Bool
}

func newFakeSource() *fakeSource {
	s := &fakeSource{}
	s.muted.Store(true)
	return s
}

func (s *fakeSource) Open(_ context.Context) error {
	if s.openErr != nil {
		return s.openErr
	}
	s.opened.Store(true)
	return nil
}

func (s *fakeSource) Track() webrtc.TrackLocal { return nil }
func (s *fakeSource) SetMuted(muted bool)      { s.muted.Store(muted) }
func (s *fakeSource) Muted() bool              { return s.muted.Load() }
func (s *fakeSource) Close()                   { s.closed.Store(true) }

type fakeSink struct {
	attaches atomic.Int32
	closed   atomic.Bool
}

func (s *fakeSink) Attach(_ *webrtc.TrackRemote) error {
	if s.closed.Load() {
		return errors.New(signaling.ErrClosed, "sink closed")
	}
	s.attaches.Add(1)
	return nil
}

func (s *fakeSink) Close() { s.closed.Store(true) }

// --- peer fake ---

type fakePeer struct {
	mu      sync.Mutex
	onTrack func(*webrtc.TrackRemote)
	answers int
	offers  int
	closed  atomic.Bool
}

func (p *fakePeer) CreateOffer(_ context.Context) (*signaling.JSEP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	return &signaling.JSEP{Type: "offer", SDP: "v=0 local"}, nil
}

func (p *fakePeer) SetRemoteAnswer(_ *signaling.JSEP) error { return nil }

func (p *fakePeer) AnswerRemoteOffer(_ context.Context, _ *signaling.JSEP) (*signaling.JSEP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers++
	return &signaling.JSEP{Type: "answer", SDP: "v=0 local"}, nil
}

func (p *fakePeer) OnTrack(fn func(track *webrtc.TrackRemote)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *fakePeer) fireTrack() {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(nil)
	}
}

func (p *fakePeer) Close() error {
	p.closed.Store(true)
	return nil
}

func fakePeerFactory(peer *fakePeer) rtc.Factory {
	return func(_ webrtc.TrackLocal, _ *log.Logger) (rtc.Peer, error) {
		return peer, nil
	}
}

// --- notifier recorder ---

type recNotifier struct {
	mu     sync.Mutex
	states []broadcast.State
	errs   []error
	ended  []int
}

func (n *recNotifier) StateChanged(state broadcast.State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, state)
}

func (n *recNotifier) SessionError(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, err)
}

func (n *recNotifier) StreamEnded(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ended = append(n.ended, count)
}

func (n *recNotifier) errors() []error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]error(nil), n.errs...)
}

func (n *recNotifier) endedCalls() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int(nil), n.ended...)
}

func (n *recNotifier) phases() []broadcast.Phase {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]broadcast.Phase, 0, len(n.states))
	for _, st := range n.states {
		out = append(out, st.Phase)
	}
	return out
}
