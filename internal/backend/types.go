package backend

import (
	"context"
	"time"
)

// StreamStatus is the server-side room liveness as reported by the
// platform API.
type StreamStatus string

const (
	StreamActive StreamStatus = "ACTIVE"
	StreamEnded  StreamStatus = "ENDED"
)

// Room identifies a preacher's provisioned SFU conference.
type Room struct {
	RoomID       int64  `json:"roomId"`
	LiveStreamID int64  `json:"liveStreamId"`
	DisplayName  string `json:"displayName"`
	Status       string `json:"status"`
}

// Participant is one listener as reported by the backend. Rebuilt
// wholesale on every presence poll, never mutated locally.
type Participant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Avatar      string    `json:"avatar,omitempty"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// ListenerStats is the publisher-side presence payload.
type ListenerStats struct {
	Listeners     int           `json:"listeners"`
	ListenersList []Participant `json:"listenersList,omitempty"`
}

// StreamInfo is the listener-side liveness payload.
type StreamInfo struct {
	Status        StreamStatus `json:"status"`
	ListenerCount int          `json:"listenerCount"`
}

// Client talks to the platform REST API on behalf of one authenticated
// user. Join/leave notifications are fire-and-forget; everything else
// returns errors for the caller to act on.
type Client interface {
	RoomInfo(ctx context.Context, preacherID string) (*Room, error)
	EndStream(ctx context.Context, liveStreamID int64) error
	ListenerStats(ctx context.Context, liveStreamID int64) (*ListenerStats, error)
	StreamInfo(ctx context.Context, roomID int64) (*StreamInfo, error)
	NotifyJoin(ctx context.Context, roomID int64, userID string)
	NotifyLeave(ctx context.Context, roomID int64, userID string)
}
