package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/relay-chat/internal/models"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// DefaultICEServers is used when no ICE servers are configured.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// Compile-time interface checks.
var (
	_ PeerFactory    = (*PionPeers)(nil)
	_ PeerConnection = (*pionPeer)(nil)
	_ MediaSource    = (*TrackSource)(nil)
	_ Media          = (*localMedia)(nil)
)

// PionPeers creates pion/webrtc peer connections.
type PionPeers struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *slog.Logger
}

// NewPionPeers creates a PionPeers using the given STUN/TURN urls. An
// empty list gathers host candidates only.
func NewPionPeers(iceServers []string, logger *slog.Logger) (*PionPeers, error) {
	engine := &webrtc.MediaEngine{}
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}

	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	return &PionPeers{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(engine)),
		config: config,
		logger: logger,
	}, nil
}

// NewPeer creates a peer connection sending local's tracks.
func (p *PionPeers) NewPeer(local Media, events PeerEvents) (PeerConnection, error) {
	pc, err := p.api.NewPeerConnection(p.config)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	if local != nil {
		for _, track := range local.Tracks() {
			if _, err := pc.AddTrack(track); err != nil {
				pc.Close()
				return nil, fmt.Errorf("adding %s track: %w", track.Kind(), err)
			}
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || events.OnICECandidate == nil {
			return
		}

		init := c.ToJSON()
		events.OnICECandidate(models.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.logger.Debug("peer connection state", slog.String("state", s.String()))

		if events.OnStateChange != nil {
			events.OnStateChange(peerState(s))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if events.OnRemoteTrack != nil {
			events.OnRemoteTrack(track.Kind().String())
		}

		// Drain RTP so the receiver's buffers never fill.
		go func() {
			for {
				if _, _, err := track.ReadRTP(); err != nil {
					return
				}
			}
		}()
	})

	return &pionPeer{pc: pc}, nil
}

func peerState(s webrtc.PeerConnectionState) PeerState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return PeerConnecting
	case webrtc.PeerConnectionStateConnected:
		return PeerConnected
	case webrtc.PeerConnectionStateDisconnected:
		return PeerDisconnected
	case webrtc.PeerConnectionStateFailed:
		return PeerFailed
	case webrtc.PeerConnectionStateClosed:
		return PeerClosed
	default:
		return PeerNew
	}
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) CreateOffer() (models.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return models.SessionDescription{}, err
	}

	if err := p.pc.SetLocalDescription(offer); err != nil {
		return models.SessionDescription{}, fmt.Errorf("setting local description: %w", err)
	}

	return describe(offer), nil
}

func (p *pionPeer) CreateAnswer(offer models.SessionDescription) (models.SessionDescription, error) {
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP})
	if err != nil {
		return models.SessionDescription{}, fmt.Errorf("setting remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return models.SessionDescription{}, err
	}

	if err := p.pc.SetLocalDescription(answer); err != nil {
		return models.SessionDescription{}, fmt.Errorf("setting local description: %w", err)
	}

	return describe(answer), nil
}

func (p *pionPeer) SetAnswer(answer models.SessionDescription) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP})
}

func (p *pionPeer) AddICECandidate(c models.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

func describe(d webrtc.SessionDescription) models.SessionDescription {
	return models.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

// opusSilence is a single 20ms opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const audioFrame = 20 * time.Millisecond

// TrackSource produces local tracks for a terminal client with no
// capture device: an opus track carrying silence and, for video calls,
// an idle VP8 track.
type TrackSource struct {
	logger *slog.Logger
}

// NewTrackSource creates a TrackSource.
func NewTrackSource(logger *slog.Logger) *TrackSource {
	return &TrackSource{logger: logger}
}

// Acquire creates the tracks for mode and starts feeding audio.
func (s *TrackSource) Acquire(ctx context.Context, mode models.CallMode) (Media, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "relay-chat",
	)
	if err != nil {
		return nil, fmt.Errorf("creating audio track: %w", err)
	}

	tracks := []webrtc.TrackLocal{audio}

	if mode == models.CallVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", "relay-chat",
		)
		if err != nil {
			return nil, fmt.Errorf("creating video track: %w", err)
		}

		tracks = append(tracks, video)
	}

	lm := &localMedia{
		audio:  audio,
		tracks: tracks,
		logger: s.logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	lm.enabled.Store(true)

	go lm.pump()

	return lm, nil
}

type localMedia struct {
	audio  *webrtc.TrackLocalStaticSample
	tracks []webrtc.TrackLocal
	logger *slog.Logger

	enabled  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (l *localMedia) Tracks() []webrtc.TrackLocal {
	return l.tracks
}

func (l *localMedia) SetAudioEnabled(enabled bool) {
	l.enabled.Store(enabled)
}

// Stop ends the audio feed and waits for it to exit.
func (l *localMedia) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}

func (l *localMedia) pump() {
	defer close(l.done)

	ticker := time.NewTicker(audioFrame)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if !l.enabled.Load() {
				continue
			}

			if err := l.audio.WriteSample(media.Sample{Data: opusSilence, Duration: audioFrame}); err != nil {
				l.logger.Debug("writing audio sample", slog.String("error", err.Error()))
			}
		}
	}
}
