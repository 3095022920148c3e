package backend

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/minbarhq/minbar-live/internal/errors"
	"github.com/minbarhq/minbar-live/internal/log"
)

type ClientTestSuite struct {
	suite.Suite

	server *httptest.Server
	client Client

	roomHits  atomic.Int64
	joinHits  atomic.Int64
	endOK     atomic.Bool
	streamEnd atomic.Bool
}

func TestClientTestSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

func (s *ClientTestSuite) SetupTest() {
	s.roomHits.Store(0)
	s.joinHits.Store(0)
	s.endOK.Store(true)
	s.streamEnd.Store(false)

	mux := http.NewServeMux()
	mux.HandleFunc("/room-info", func(w http.ResponseWriter, r *http.Request) {
		s.roomHits.Add(1)
		if r.URL.Query().Get("preacherId") == "unknown" {
			http.NotFound(w, r)
			return
		}
		s.writeJSON(w, `{"roomId":1234,"liveStreamId":77,"displayName":"Masjid An-Nur","status":"ACTIVE"}`)
	})
	mux.HandleFunc("/stream/77", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("action") {
		case "end":
			if s.endOK.Load() {
				s.writeJSON(w, `{"success":true}`)
			} else {
				s.writeJSON(w, `{"success":false}`)
			}
		case "listeners":
			s.writeJSON(w, `{"listeners":2,"listenersList":[{"id":"u1","displayName":"Ahmad"},{"id":"u2","displayName":"Bilal"}]}`)
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("/stream/1234/info", func(w http.ResponseWriter, _ *http.Request) {
		if s.streamEnd.Load() {
			s.writeJSON(w, `{"status":"ENDED","listenerCount":0}`)
		} else {
			s.writeJSON(w, `{"status":"ACTIVE","listenerCount":3}`)
		}
	})
	mux.HandleFunc("/stream/1234/join", func(w http.ResponseWriter, r *http.Request) {
		s.Equal("u1", r.URL.Query().Get("userId"))
		s.joinHits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	s.server = httptest.NewServer(mux)

	client, err := New(&Config{URL: s.server.URL}, log.NewTest(s.T()))
	s.Require().NoError(err)
	s.client = client
}

func (s *ClientTestSuite) TearDownTest() {
	s.server.Close()
}

func (s *ClientTestSuite) writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func (s *ClientTestSuite) TestRoomInfo() {
	room, err := s.client.RoomInfo(s.T().Context(), "preacher-9")
	s.Require().NoError(err)
	s.Equal(int64(1234), room.RoomID)
	s.Equal(int64(77), room.LiveStreamID)
	s.Equal("Masjid An-Nur", room.DisplayName)
}

func (s *ClientTestSuite) TestRoomInfoCached() {
	_, err := s.client.RoomInfo(s.T().Context(), "preacher-9")
	s.Require().NoError(err)
	_, err = s.client.RoomInfo(s.T().Context(), "preacher-9")
	s.Require().NoError(err)

	s.Equal(int64(1), s.roomHits.Load())
}

func (s *ClientTestSuite) TestRoomInfoNotFound() {
	_, err := s.client.RoomInfo(s.T().Context(), "unknown")
	s.Error(err)
	s.True(errors.Is(err, ErrRequestFailed))
}

func (s *ClientTestSuite) TestEndStream() {
	s.NoError(s.client.EndStream(s.T().Context(), 77))
}

func (s *ClientTestSuite) TestEndStreamDeclined() {
	s.endOK.Store(false)

	err := s.client.EndStream(s.T().Context(), 77)
	s.Error(err)
	s.True(errors.Is(err, ErrEndRejected))
}

func (s *ClientTestSuite) TestListenerStats() {
	stats, err := s.client.ListenerStats(s.T().Context(), 77)
	s.Require().NoError(err)
	s.Equal(2, stats.Listeners)
	s.Len(stats.ListenersList, 2)
	s.Equal("Ahmad", stats.ListenersList[0].DisplayName)
}

func (s *ClientTestSuite) TestStreamInfo() {
	info, err := s.client.StreamInfo(s.T().Context(), 1234)
	s.Require().NoError(err)
	s.Equal(StreamActive, info.Status)
	s.Equal(3, info.ListenerCount)

	s.streamEnd.Store(true)
	info, err = s.client.StreamInfo(s.T().Context(), 1234)
	s.Require().NoError(err)
	s.Equal(StreamEnded, info.Status)
}

func (s *ClientTestSuite) TestNotifyJoin() {
	s.client.NotifyJoin(s.T().Context(), 1234, "u1")
	s.Equal(int64(1), s.joinHits.Load())
}
