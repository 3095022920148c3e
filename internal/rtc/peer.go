package rtc

import (
	"context"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/minbarhq/minbar-live/internal/errors"
	"github.com/minbarhq/minbar-live/internal/log"
	"github.com/minbarhq/minbar-live/internal/signaling"
)

const (
	ErrNegotiationFailed errors.Code = "sdp negotiation failed"
	ErrPeerClosed        errors.Code = "peer closed"
)

// Peer is one audio-only WebRTC peer connection, either sending a local
// track (publisher leg) or receiving a remote one (subscriber leg).
type Peer interface {
	// CreateOffer produces a sendonly offer carrying the local track.
	CreateOffer(ctx context.Context) (*signaling.JSEP, error)
	// SetRemoteAnswer applies the gateway's answer to a sent offer.
	SetRemoteAnswer(answer *signaling.JSEP) error
	// AnswerRemoteOffer applies a gateway offer and produces a recvonly answer.
	AnswerRemoteOffer(ctx context.Context, offer *signaling.JSEP) (*signaling.JSEP, error)
	// OnTrack registers the remote-track callback (subscriber legs only).
	OnTrack(fn func(track *webrtc.TrackRemote))
	Close() error
}

// Factory builds a Peer. A nil track yields a recvonly subscriber peer.
type Factory func(track webrtc.TrackLocal, logger *log.Logger) (Peer, error)

// NewFactory returns a Factory bound to a fixed ICE server set.
func NewFactory(iceServers []webrtc.ICEServer) Factory {
	return func(track webrtc.TrackLocal, logger *log.Logger) (Peer, error) {
		return newPeer(iceServers, track, logger)
	}
}

type peerImpl struct {
	pc     *webrtc.PeerConnection
	logger *log.Logger

	mu     sync.Mutex
	closed bool
}

func newPeer(iceServers []webrtc.ICEServer, track webrtc.TrackLocal, logger *log.Logger) (Peer, error) {
	m := &webrtc.MediaEngine{}

	// G.722 carries the mosque audio; Opus is registered so the gateway
	// may pick it for rooms provisioned with a different sampling profile.
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeG722,
			ClockRate: 8000,
			Channels:  1,
		},
		PayloadType: 9,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, errors.Wrap(ErrNegotiationFailed, err, "register G722")
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, errors.Wrap(ErrNegotiationFailed, err, "register Opus")
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, errors.Wrap(ErrNegotiationFailed, err, "register interceptors")
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, errors.Wrap(ErrNegotiationFailed, err, "new peer connection")
	}

	p := &peerImpl{pc: pc, logger: logger}

	if track != nil {
		if _, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		}); err != nil {
			_ = pc.Close()
			return nil, errors.Wrap(ErrNegotiationFailed, err, "add local track")
		}
	} else {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, errors.Wrap(ErrNegotiationFailed, err, "add recv transceiver")
		}
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("peer connection state", log.String("state", state.String()))
	})

	return p, nil
}

func (p *peerImpl) CreateOffer(ctx context.Context) (*signaling.JSEP, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, errors.Wrap(ErrNegotiationFailed, err, "create offer")
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, errors.Wrap(ErrNegotiationFailed, err, "set local offer")
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, errors.Wrap(ErrNegotiationFailed, ctx.Err(), "ice gathering")
	}

	local := p.pc.LocalDescription()
	return &signaling.JSEP{Type: "offer", SDP: local.SDP}, nil
}

func (p *peerImpl) SetRemoteAnswer(answer *signaling.JSEP) error {
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	})
	return errors.Wrap(ErrNegotiationFailed, err, "set remote answer")
}

func (p *peerImpl) AnswerRemoteOffer(ctx context.Context, offer *signaling.JSEP) (*signaling.JSEP, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return nil, errors.Wrap(ErrNegotiationFailed, err, "set remote offer")
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, errors.Wrap(ErrNegotiationFailed, err, "create answer")
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, errors.Wrap(ErrNegotiationFailed, err, "set local answer")
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, errors.Wrap(ErrNegotiationFailed, ctx.Err(), "ice gathering")
	}

	local := p.pc.LocalDescription()
	return &signaling.JSEP{Type: "answer", SDP: local.SDP}, nil
}

func (p *peerImpl) OnTrack(fn func(track *webrtc.TrackRemote)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.logger.Debug("remote track received",
			log.String("codec", track.Codec().MimeType),
			log.String("kind", track.Kind().String()))
		fn(track)
	})
}

func (p *peerImpl) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.pc.Close()
}
