package session

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// MediaSource is a local capture device feeding one outbound track. A
// source is single-use: once closed it cannot be reopened, so sessions
// take a factory and build a fresh source per attempt.
type MediaSource interface {
	Open(ctx context.Context) error
	Track() webrtc.TrackLocal
	SetMuted(muted bool)
	Muted() bool
	Close()
}

// SourceFactory builds one MediaSource per broadcast attempt.
type SourceFactory func() (MediaSource, error)

// AudioSink plays one remote track. Attach must be refused after Close.
type AudioSink interface {
	Attach(track *webrtc.TrackRemote) error
	Close()
}

// SinkFactory builds one AudioSink per listen attempt.
type SinkFactory func() AudioSink
