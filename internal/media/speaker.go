package media

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	g722 "github.com/gotranspile/g722"
	"github.com/pion/webrtc/v4"

	"github.com/minbarhq/minbar-live/internal/errors"
	"github.com/minbarhq/minbar-live/internal/log"
)

const ErrSinkClosed errors.Code = "audio sink closed"

const (
	playbackSampleRate = 16000
	playbackChannels   = 1
	pcmQueueDepth      = 32
)

// Speaker plays a remote audio track through the local output device.
// Attach is refused once the sink is closed, so a track delivered after
// the listener already tore down is dropped instead of touching a
// half-destroyed device.
type Speaker struct {
	logger *log.Logger
	pcmCh  chan []int16

	mu       sync.Mutex
	closed   bool
	attached bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	dev      *malgo.Device
	mctx     *malgo.AllocatedContext
}

func NewSpeaker(logger *log.Logger) *Speaker {
	return &Speaker{
		logger: logger,
		pcmCh:  make(chan []int16, pcmQueueDepth),
	}
}

// Attach starts playback of the given remote track.
func (s *Speaker) Attach(track *webrtc.TrackRemote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New(ErrSinkClosed, "sink already closed")
	}
	if s.attached {
		return errors.New(ErrSinkClosed, "sink already attached")
	}

	if err := s.openDevice(); err != nil {
		return err
	}
	s.attached = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.readLoop(ctx, track)

	s.logger.Info("remote track attached to speaker",
		log.String("codec", track.Codec().MimeType))
	return nil
}

// Close pauses playback and detaches the source. Idempotent, and ordered
// before signaling teardown so the media pipeline never aborts an
// in-flight play.
func (s *Speaker) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	dev, mctx := s.dev, s.mctx
	s.dev, s.mctx = nil, nil
	s.mu.Unlock()

	s.wg.Wait()
	if dev != nil {
		_ = dev.Stop()
		dev.Uninit()
	}
	if mctx != nil {
		_ = mctx.Uninit()
	}
	s.logger.Info("speaker sink closed")
}

func (s *Speaker) openDevice() error {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		s.logger.Debug("malgo", log.String("msg", message))
	})
	if err != nil {
		return errors.Wrap(ErrSinkClosed, err, "audio backend init")
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = playbackChannels
	cfg.SampleRate = playbackSampleRate

	var pending []int16
	callbacks := malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, frameCount uint32) {
			needed := int(frameCount) * playbackChannels
			out := make([]int16, needed)
			filled := 0
			for filled < needed {
				if len(pending) == 0 {
					select {
					case frame := <-s.pcmCh:
						pending = frame
					default:
					}
					if len(pending) == 0 {
						break // underrun, pad with silence
					}
				}
				n := copy(out[filled:], pending)
				filled += n
				pending = pending[n:]
			}
			copy(pOutput, pcmToBytes(out))
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		return errors.Wrap(ErrSinkClosed, err, "open playback device")
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = mctx.Uninit()
		return errors.Wrap(ErrSinkClosed, err, "start playback device")
	}

	s.mctx = mctx
	s.dev = dev
	return nil
}

func (s *Speaker) readLoop(ctx context.Context, track *webrtc.TrackRemote) {
	defer s.wg.Done()

	dec := g722.NewDecoder(g722.Rate64000, 0)
	pcmScratch := make([]int16, 4096)

	for {
		if ctx.Err() != nil {
			return
		}
		_ = track.SetReadDeadline(time.Now().Add(time.Second))
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if ctx.Err() == nil {
				s.logger.Debug("remote track read ended", log.Error(err))
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		n := dec.Decode(pcmScratch, pkt.Payload)
		if n <= 0 {
			continue
		}
		frame := make([]int16, n)
		copy(frame, pcmScratch[:n])
		select {
		case s.pcmCh <- frame:
		default:
			// playback lagging; drop rather than grow latency
		}
	}
}
