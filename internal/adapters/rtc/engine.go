// Package rtc implements the negotiation engine on pion/webrtc.
package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Strangers/internal/client/negotiation"
)

const sampleInterval = 20 * time.Millisecond

// opusSilence is one 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Engine is a headless capture source: it has no devices, so audio is
// synthesized silence and video carries no frames. AllowCapture false
// behaves like a refused permission prompt.
type Engine struct {
	AllowCapture bool
}

func NewEngine(allowCapture bool) *Engine {
	return &Engine{AllowCapture: allowCapture}
}

func (e *Engine) AcquireMedia(ctx context.Context, c negotiation.Constraints) (negotiation.MediaStream, error) {
	if !e.AllowCapture {
		return nil, negotiation.ErrPermissionDenied
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewLocalStream(c)
}

func (e *Engine) NewPeerConnection(iceServers []webrtc.ICEServer) (negotiation.PeerConnection, error) {
	return NewConnection(DefaultWebRTCConfig(iceServers))
}

// LocalStream owns the local tracks shared by every connection.
type LocalStream struct {
	id     string
	audio  *webrtc.TrackLocalStaticSample
	video  *webrtc.TrackLocalStaticSample
	cancel context.CancelFunc
	once   sync.Once
}

func NewLocalStream(c negotiation.Constraints) (*LocalStream, error) {
	s := &LocalStream{id: "strangers-" + uuid.NewString()}
	var err error
	if c.Audio {
		s.audio, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", s.id)
		if err != nil {
			return nil, fmt.Errorf("audio track: %w", err)
		}
	}
	if c.Video {
		s.video, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", s.id)
		if err != nil {
			return nil, fmt.Errorf("video track: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.audio != nil {
		go s.pumpSilence(ctx)
	}
	log.Info().Str("module", "webrtc").Str("stream_id", s.id).Bool("audio", c.Audio).Bool("video", c.Video).Msg("local stream started")
	return s, nil
}

func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	if s.audio != nil {
		out = append(out, s.audio)
	}
	if s.video != nil {
		out = append(out, s.video)
	}
	return out
}

func (s *LocalStream) Stop() {
	s.once.Do(func() {
		s.cancel()
		log.Info().Str("module", "webrtc").Str("stream_id", s.id).Msg("local stream stopped")
	})
}

func (s *LocalStream) pumpSilence(ctx context.Context) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.audio.WriteSample(media.Sample{Data: opusSilence, Duration: sampleInterval}); err != nil {
				log.Debug().Err(err).Str("module", "webrtc").Msg("write sample")
			}
		}
	}
}
