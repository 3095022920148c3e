package media

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	g722 "github.com/gotranspile/g722"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/minbarhq/minbar-live/internal/errors"
	"github.com/minbarhq/minbar-live/internal/log"
)

const (
	ErrPermissionDenied errors.Code = "microphone permission denied"
	ErrCaptureClosed    errors.Code = "capture closed"
)

const (
	captureSampleRate = 16000
	captureChannels   = 1
)

// Microphone owns the local hardware capture device and the WebRTC track
// fed from it. The track is exclusively owned by the publisher session
// that opened the microphone; nobody else may write to or stop it.
type Microphone struct {
	logger *log.Logger
	track  *webrtc.TrackLocalStaticSample
	enc    *g722.Encoder
	encBuf []byte

	muted  atomic.Bool
	frames atomic.Uint64

	mu     sync.Mutex
	opened bool
	closed bool
	dev    *malgo.Device
	mctx   *malgo.AllocatedContext
}

func NewMicrophone(logger *log.Logger) (*Microphone, error) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeG722,
		ClockRate: 8000,
		Channels:  1,
	}, "audio", "minbar-mic")
	if err != nil {
		return nil, errors.Wrap(ErrPermissionDenied, err, "create local track")
	}

	m := &Microphone{
		logger: logger,
		track:  track,
		enc:    g722.NewEncoder(g722.Rate64000, 0),
		encBuf: make([]byte, 4096),
	}
	m.muted.Store(true) // muted until the session goes live
	return m, nil
}

// Open acquires the capture device. Device/backend failures surface as
// ErrPermissionDenied: on every platform this client targets, the usual
// cause is the OS denying microphone access to the process.
func (m *Microphone) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New(ErrCaptureClosed, "microphone already closed")
	}
	if m.opened {
		return errors.New(ErrPermissionDenied, "microphone already open")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(ErrCaptureClosed, err, "open microphone")
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		m.logger.Debug("malgo", log.String("msg", message))
	})
	if err != nil {
		return errors.Wrap(ErrPermissionDenied, err, "audio backend init")
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = captureChannels
	cfg.SampleRate = captureSampleRate

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, _ uint32) {
			m.onData(pInput)
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		return errors.Wrap(ErrPermissionDenied, err, "open capture device")
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = mctx.Uninit()
		return errors.Wrap(ErrPermissionDenied, err, "start capture device")
	}

	m.mctx = mctx
	m.dev = dev
	m.opened = true
	m.logger.Info("microphone capture started",
		log.Int("sampleRate", captureSampleRate),
		log.Int("channels", captureChannels))
	return nil
}

// onData runs on the audio backend's thread; it must never block.
func (m *Microphone) onData(pcm []byte) {
	if m.muted.Load() || len(pcm) == 0 {
		return
	}

	samples := bytesToPCM(pcm)
	if len(samples) == 0 {
		return
	}
	n := m.enc.Encode(m.encBuf, samples)
	if n <= 0 {
		return
	}

	duration := time.Duration(len(samples)) * time.Second / captureSampleRate
	data := make([]byte, n)
	copy(data, m.encBuf[:n])
	if err := m.track.WriteSample(media.Sample{Data: data, Duration: duration}); err != nil {
		m.logger.Warn("write capture sample failed", log.Error(err))
		return
	}
	m.frames.Add(1)
}

// Track exposes the outbound audio track for peer negotiation.
func (m *Microphone) Track() webrtc.TrackLocal {
	return m.track
}

// SetMuted gates the capture pump locally; no signaling round-trip.
func (m *Microphone) SetMuted(muted bool) {
	m.muted.Store(muted)
}

func (m *Microphone) Muted() bool {
	return m.muted.Load()
}

// FramesWritten reports how many encoded frames reached the track.
func (m *Microphone) FramesWritten() uint64 {
	return m.frames.Load()
}

// Close stops the capture device and releases the hardware. Idempotent.
func (m *Microphone) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.muted.Store(true)

	if m.dev != nil {
		_ = m.dev.Stop()
		m.dev.Uninit()
		m.dev = nil
	}
	if m.mctx != nil {
		_ = m.mctx.Uninit()
		m.mctx = nil
	}
	if m.opened {
		m.logger.Info("microphone capture released")
	}
	m.opened = false
}

func bytesToPCM(b []byte) []int16 {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(b[2*i]) | int16(b[2*i+1])<<8
	}
	return out
}

func pcmToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}
