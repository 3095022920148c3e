package rtc

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/suite"

	"github.com/minbarhq/minbar-live/internal/log"
)

type PeerTestSuite struct {
	suite.Suite
	logger  *log.Logger
	factory Factory
}

func TestPeerTestSuite(t *testing.T) {
	suite.Run(t, new(PeerTestSuite))
}

func (s *PeerTestSuite) SetupTest() {
	s.logger = log.NewNop()
	s.factory = NewFactory(nil)
}

func (s *PeerTestSuite) newLocalTrack() *webrtc.TrackLocalStaticSample {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeG722,
		ClockRate: 8000,
		Channels:  1,
	}, "audio", "mic")
	s.Require().NoError(err)
	return track
}

func (s *PeerTestSuite) TestPublisherOfferIsSendonlyAudio() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	peer, err := s.factory(s.newLocalTrack(), s.logger)
	s.Require().NoError(err)
	defer func() { _ = peer.Close() }()

	offer, err := peer.CreateOffer(ctx)
	s.Require().NoError(err)
	s.Equal("offer", offer.Type)
	s.Contains(offer.SDP, "m=audio")
	s.Contains(offer.SDP, "a=sendonly")
	s.NotContains(offer.SDP, "m=video")
}

func (s *PeerTestSuite) TestSubscriberAnswersPublisherOffer() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pub, err := s.factory(s.newLocalTrack(), s.logger)
	s.Require().NoError(err)
	defer func() { _ = pub.Close() }()

	sub, err := s.factory(nil, s.logger)
	s.Require().NoError(err)
	defer func() { _ = sub.Close() }()

	offer, err := pub.CreateOffer(ctx)
	s.Require().NoError(err)

	answer, err := sub.AnswerRemoteOffer(ctx, offer)
	s.Require().NoError(err)
	s.Equal("answer", answer.Type)
	s.Contains(answer.SDP, "m=audio")
	s.True(strings.Contains(answer.SDP, "a=recvonly") || strings.Contains(answer.SDP, "a=inactive"))

	s.NoError(pub.SetRemoteAnswer(answer))
}

func (s *PeerTestSuite) TestLocalTrackWriteAfterNegotiation() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	track := s.newLocalTrack()
	pub, err := s.factory(track, s.logger)
	s.Require().NoError(err)
	defer func() { _ = pub.Close() }()

	sub, err := s.factory(nil, s.logger)
	s.Require().NoError(err)
	defer func() { _ = sub.Close() }()

	offer, err := pub.CreateOffer(ctx)
	s.Require().NoError(err)
	answer, err := sub.AnswerRemoteOffer(ctx, offer)
	s.Require().NoError(err)
	s.Require().NoError(pub.SetRemoteAnswer(answer))

	// writing a sample must not fail even before ICE completes
	s.NoError(track.WriteSample(media.Sample{
		Data:     make([]byte, 160),
		Duration: 20 * time.Millisecond,
	}))
}

func (s *PeerTestSuite) TestCloseIdempotent() {
	peer, err := s.factory(nil, s.logger)
	s.Require().NoError(err)

	s.NoError(peer.Close())
	s.NoError(peer.Close())
}
