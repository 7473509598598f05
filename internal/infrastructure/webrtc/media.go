package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ringline/internal/core/domain"
	"ringline/internal/core/ports"
)

var ErrTrackStopped = errors.New("track stopped")

// minBurstBytes lets a keyframe through even under the lowest bitrate cap.
const minBurstBytes = 64 * 1024

// SampleTrack is a local track fed with encoded samples. Muted samples and
// samples over the bitrate budget are dropped.
type SampleTrack struct {
	track   *webrtc.TrackLocalStaticSample
	kind    domain.MediaKind
	clock clock.Clock

	limiter  atomic.Pointer[rate.Limiter]
	enabled  atomic.Bool
	dropped  atomic.Uint64
	stopOnce sync.Once
	done     chan struct{}
}

func NewSampleTrack(kind domain.MediaKind, id, streamID string, clk clock.Clock) (*SampleTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == domain.KindVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	track, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}

	t := &SampleTrack{
		track: track,
		kind:  kind,
		clock: clk,
		done:  make(chan struct{}),
	}
	t.enabled.Store(true)
	return t, nil
}

func (t *SampleTrack) ID() string                    { return t.track.ID() }
func (t *SampleTrack) Kind() domain.MediaKind        { return t.kind }
func (t *SampleTrack) Enabled() bool                 { return t.enabled.Load() }
func (t *SampleTrack) SetEnabled(enabled bool)       { t.enabled.Store(enabled) }
func (t *SampleTrack) TrackLocal() webrtc.TrackLocal { return t.track }
func (t *SampleTrack) Done() <-chan struct{}         { return t.done }
func (t *SampleTrack) Dropped() uint64               { return t.dropped.Load() }

func (t *SampleTrack) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

// SetMaxBitrate caps the bytes written per second. Zero removes the cap.
func (t *SampleTrack) SetMaxBitrate(bps int) {
	if bps <= 0 {
		t.limiter.Store(nil)
		return
	}
	bytesPerSecond := bps / 8
	t.limiter.Store(rate.NewLimiter(rate.Limit(bytesPerSecond), max(2*bytesPerSecond, minBurstBytes)))
}

func (t *SampleTrack) WriteSample(sample media.Sample) error {
	select {
	case <-t.done:
		return ErrTrackStopped
	default:
	}
	if !t.enabled.Load() {
		return nil
	}
	if limiter := t.limiter.Load(); limiter != nil && !limiter.AllowN(t.clock.Now(), len(sample.Data)) {
		t.dropped.Add(1)
		return nil
	}
	return t.track.WriteSample(sample)
}

type sampleStream struct {
	tracks []*SampleTrack
}

func (s *sampleStream) Tracks() []ports.LocalTrack {
	tracks := make([]ports.LocalTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		tracks = append(tracks, t)
	}
	return tracks
}

func (s *sampleStream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

type MediaConfig struct {
	AudioFile  string
	VideoFile  string
	ScreenFile string
	Loop       bool
}

// SampleMediaProvider serves call media from encoded files: Ogg/Opus for
// audio and IVF/VP8 for video and screen share. Audio falls back to Opus
// silence; video without a file is an idle track.
type SampleMediaProvider struct {
	config MediaConfig
	clock  clock.Clock
	logger *zap.SugaredLogger
	seq    atomic.Uint64
}

func NewSampleMediaProvider(config MediaConfig, clk clock.Clock, logger *zap.SugaredLogger) *SampleMediaProvider {
	if clk == nil {
		clk = clock.New()
	}
	return &SampleMediaProvider{
		config: config,
		clock:  clk,
		logger: logger,
	}
}

func (p *SampleMediaProvider) Acquire(ctx context.Context, callType domain.CallType) (ports.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := p.seq.Add(1)
	streamID := fmt.Sprintf("ringline-%d", n)

	var audioSource SampleSource = newOpusSilence()
	if p.config.AudioFile != "" {
		src, err := openOgg(p.config.AudioFile, p.config.Loop)
		if err != nil {
			return nil, err
		}
		audioSource = src
	}
	audio, err := NewSampleTrack(domain.KindAudio, fmt.Sprintf("audio-%d", n), streamID, p.clock)
	if err != nil {
		audioSource.Close()
		return nil, err
	}
	stream := &sampleStream{tracks: []*SampleTrack{audio}}

	if callType == domain.CallTypeVideo {
		video, err := NewSampleTrack(domain.KindVideo, fmt.Sprintf("video-%d", n), streamID, p.clock)
		if err != nil {
			audioSource.Close()
			return nil, err
		}
		if p.config.VideoFile != "" {
			src, err := openIVF(p.config.VideoFile, p.config.Loop)
			if err != nil {
				audioSource.Close()
				return nil, err
			}
			go p.pump(video, src)
		}
		stream.tracks = append(stream.tracks, video)
	}

	go p.pump(audio, audioSource)
	p.logger.Debugw("local media acquired", "stream_id", streamID, "call_type", callType, "tracks", len(stream.tracks))
	return stream, nil
}

func (p *SampleMediaProvider) AcquireScreen(ctx context.Context) (ports.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.config.ScreenFile == "" {
		return nil, errors.New("no screen source configured")
	}
	src, err := openIVF(p.config.ScreenFile, p.config.Loop)
	if err != nil {
		return nil, err
	}
	n := p.seq.Add(1)
	track, err := NewSampleTrack(domain.KindVideo, fmt.Sprintf("screen-%d", n), fmt.Sprintf("ringline-screen-%d", n), p.clock)
	if err != nil {
		src.Close()
		return nil, err
	}
	go p.pump(track, src)
	return track, nil
}

// pump paces samples from source onto track until either ends.
func (p *SampleMediaProvider) pump(track *SampleTrack, source SampleSource) {
	defer source.Close()

	timer := p.clock.Timer(0)
	defer timer.Stop()

	for {
		select {
		case <-track.Done():
			return
		case <-timer.C:
		}

		sample, err := source.NextSample()
		if err != nil {
			p.logger.Debugw("media source ended", "track_id", track.ID(), "error", err)
			return
		}
		if err := track.WriteSample(sample); errors.Is(err, ErrTrackStopped) {
			return
		} else if err != nil {
			p.logger.Debugw("sample write failed", "track_id", track.ID(), "error", err)
		}
		timer.Reset(sample.Duration)
	}
}

var _ ports.MediaProvider = (*SampleMediaProvider)(nil)
