package signaling

import (
	"context"
	"encoding/json"
)

// Transport opens gateway connections. One Connection per session attempt;
// a Connection is invalid after Destroy and must never be reused.
type Transport interface {
	Connect(ctx context.Context) (Connection, error)
}

// Connection is one signaling session toward the SFU gateway.
type Connection interface {
	Attach(ctx context.Context, plugin string) (Handle, error)
	Destroy(ctx context.Context) error
}

// Handle is a plugin-scoped sub-connection representing one role
// (publish or subscribe) in one room. Invalid once Hangup is called.
type Handle interface {
	HandleID() int64
	JoinPublisher(ctx context.Context, room int64, display string, audio, video bool) error
	JoinSubscriber(ctx context.Context, room, feed int64) error
	Publish(ctx context.Context, offer *JSEP) error
	Start(ctx context.Context, answer *JSEP) error
	Hangup(ctx context.Context) error
	Events() <-chan *Event
}

// JSEP represents a standard WebRTC SDP payload.
type JSEP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// PublisherInfo identifies an active publisher feed inside a room.
type PublisherInfo struct {
	ID      int64  `json:"id"`
	Display string `json:"display,omitempty"`
}

// Event is a parsed plugin event delivered on a handle.
type Event struct {
	Type       string
	Room       int64
	FeedID     int64
	Publishers []PublisherInfo
	Configured string
	Started    string
	ErrorCode  int
	ErrorText  string
	JSEP       *JSEP
}

// gatewayResponse models the subset of gateway fields this client cares about.
type gatewayResponse struct {
	Janus       string           `json:"janus"`
	Transaction string           `json:"transaction,omitempty"`
	SessionID   int64            `json:"session_id,omitempty"`
	Sender      int64            `json:"sender,omitempty"`
	Data        *gatewayData     `json:"data,omitempty"`
	Plugindata  *gatewayPlugin   `json:"plugindata,omitempty"`
	JSEP        *JSEP            `json:"jsep,omitempty"`
	Error       *gatewayError    `json:"error,omitempty"`
	Candidate   *json.RawMessage `json:"candidate,omitempty"`
}

type gatewayData struct {
	ID int64 `json:"id"`
}

type gatewayPlugin struct {
	Plugin string          `json:"plugin,omitempty"`
	Data   json.RawMessage `json:"data"`
}

type gatewayError struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// eventPayload is the wire shape of live-room plugin data.
type eventPayload struct {
	Kind       string          `json:"videoroom"`
	Room       int64           `json:"room,omitempty"`
	ID         int64           `json:"id,omitempty"`
	Configured string          `json:"configured,omitempty"`
	Started    string          `json:"started,omitempty"`
	Publishers []PublisherInfo `json:"publishers,omitempty"`
	ErrorCode  int             `json:"error_code,omitempty"`
	ErrorText  string          `json:"error,omitempty"`
}

// parseEvent turns an asynchronous gateway response into a plugin Event.
// Responses without plugin data (webrtcup, media, hangup notifications)
// yield nil.
func parseEvent(resp *gatewayResponse) *Event {
	if resp == nil || resp.Plugindata == nil || len(resp.Plugindata.Data) == 0 {
		return nil
	}
	var payload eventPayload
	if err := json.Unmarshal(resp.Plugindata.Data, &payload); err != nil {
		return nil
	}
	return &Event{
		Type:       payload.Kind,
		Room:       payload.Room,
		FeedID:     payload.ID,
		Publishers: payload.Publishers,
		Configured: payload.Configured,
		Started:    payload.Started,
		ErrorCode:  payload.ErrorCode,
		ErrorText:  payload.ErrorText,
		JSEP:       resp.JSEP,
	}
}

func pluginError(resp *gatewayResponse) (int, string, bool) {
	if resp == nil || resp.Plugindata == nil || len(resp.Plugindata.Data) == 0 {
		return 0, "", false
	}
	var payload eventPayload
	if err := json.Unmarshal(resp.Plugindata.Data, &payload); err != nil {
		return 0, "", false
	}
	if payload.ErrorCode == 0 {
		return 0, "", false
	}
	return payload.ErrorCode, payload.ErrorText, true
}

func checkSuccess(resp *gatewayResponse) error {
	if resp == nil {
		return errNilResponse
	}
	switch resp.Janus {
	case "success", "ack":
		return nil
	case "error":
		if resp.Error != nil {
			return newGatewayError(resp.Error.Code, resp.Error.Reason)
		}
	}
	return newUnexpectedResponse(resp.Janus)
}

// Request bodies for the live-room plugin.

type joinRequest struct {
	Request string `json:"request"`
	Room    int64  `json:"room"`
	PType   string `json:"ptype"`
	Display string `json:"display,omitempty"`
	Feed    int64  `json:"feed,omitempty"`
	Audio   bool   `json:"audio"`
	Video   bool   `json:"video"`
}

type publishRequest struct {
	Request string `json:"request"`
	Audio   bool   `json:"audio"`
	Video   bool   `json:"video"`
}

type startRequest struct {
	Request string `json:"request"`
}
