package webrtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"ringline/internal/core/domain"
	"ringline/internal/core/ports"
)

// pionTrack is implemented by local tracks that can be attached to a pion
// peer connection.
type pionTrack interface {
	TrackLocal() webrtc.TrackLocal
}

// bitrateLimited is implemented by local tracks whose send rate can be capped.
type bitrateLimited interface {
	SetMaxBitrate(bps int)
}

// peerConnection adapts a pion peer connection to the call service. Events
// stop once Close has been called.
type peerConnection struct {
	pc     *webrtc.PeerConnection
	events ports.PeerConnectionEvents
	logger *zap.SugaredLogger

	mu          sync.Mutex
	closed      bool
	videoSender *webrtc.RTPSender
	videoTrack  ports.LocalTrack
	maxBitrate  int
	inbound     map[string]*rtpCounter
}

func newPeerConnection(pc *webrtc.PeerConnection, events ports.PeerConnectionEvents, logger *zap.SugaredLogger) *peerConnection {
	p := &peerConnection{
		pc:      pc,
		events:  events,
		logger:  logger,
		inbound: make(map[string]*rtpCounter),
	}
	pc.OnICECandidate(p.handleICECandidate)
	pc.OnConnectionStateChange(p.handleConnectionState)
	pc.OnTrack(p.handleTrack)
	return p
}

func (p *peerConnection) active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

func (p *peerConnection) AddTrack(track ports.LocalTrack) error {
	local, ok := track.(pionTrack)
	if !ok {
		return fmt.Errorf("track %s cannot be sent over webrtc", track.ID())
	}
	sender, err := p.pc.AddTrack(local.TrackLocal())
	if err != nil {
		return err
	}
	if track.Kind() == domain.KindVideo {
		p.mu.Lock()
		p.videoSender = sender
		p.videoTrack = track
		p.mu.Unlock()
	}
	go p.readSenderRTCP(sender, track.Kind())
	return nil
}

// ReplaceVideoTrack swaps the outbound video without renegotiation. The
// current bitrate cap carries over to the new track.
func (p *peerConnection) ReplaceVideoTrack(track ports.LocalTrack) error {
	local, ok := track.(pionTrack)
	if !ok {
		return fmt.Errorf("track %s cannot be sent over webrtc", track.ID())
	}
	p.mu.Lock()
	sender, bitrate := p.videoSender, p.maxBitrate
	p.mu.Unlock()
	if sender == nil {
		return errors.New("no video sender")
	}
	if err := sender.ReplaceTrack(local.TrackLocal()); err != nil {
		return err
	}

	p.mu.Lock()
	p.videoTrack = track
	p.mu.Unlock()
	if limited, ok := track.(bitrateLimited); ok && bitrate > 0 {
		limited.SetMaxBitrate(bitrate)
	}
	return nil
}

func (p *peerConnection) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

func (p *peerConnection) CreateAnswer() (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (p *peerConnection) SetRemoteDescription(sdpType domain.SignalType, sdp string) error {
	desc := webrtc.SessionDescription{SDP: sdp}
	switch sdpType {
	case domain.SignalOffer:
		desc.Type = webrtc.SDPTypeOffer
	case domain.SignalAnswer:
		desc.Type = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("%s is not a session description", sdpType)
	}
	return p.pc.SetRemoteDescription(desc)
}

func (p *peerConnection) AddICECandidate(c domain.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

// InboundVideoStats sums the counters of every live inbound video track.
func (p *peerConnection) InboundVideoStats() (domain.TransportStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var total domain.TransportStats
	for _, counter := range p.inbound {
		s := counter.snapshot()
		total.BytesReceived += s.BytesReceived
		total.PacketsLost += s.PacketsLost
		total.PacketsReceived += s.PacketsReceived
	}
	return total, nil
}

// SetVideoMaxBitrate caps the outbound video. Audio-only connections accept
// and ignore the cap.
func (p *peerConnection) SetVideoMaxBitrate(bps int) error {
	p.mu.Lock()
	p.maxBitrate = bps
	track := p.videoTrack
	p.mu.Unlock()

	if limited, ok := track.(bitrateLimited); ok {
		limited.SetMaxBitrate(bps)
	}
	return nil
}

func (p *peerConnection) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.pc.Close()
}

func (p *peerConnection) handleICECandidate(c *webrtc.ICECandidate) {
	// nil marks the end of gathering
	if c == nil || p.events.OnICECandidate == nil || !p.active() {
		return
	}
	init := c.ToJSON()
	p.events.OnICECandidate(domain.ICECandidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	})
}

func (p *peerConnection) handleConnectionState(state webrtc.PeerConnectionState) {
	p.logger.Debugw("peer connection state changed", "connection_state", state)
	if p.events.OnConnectionState == nil || !p.active() {
		return
	}
	if mapped, ok := transportState(state); ok {
		p.events.OnConnectionState(mapped)
	}
}

func transportState(state webrtc.PeerConnectionState) (domain.TransportState, bool) {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return domain.TransportNew, true
	case webrtc.PeerConnectionStateConnecting:
		return domain.TransportConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return domain.TransportConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return domain.TransportDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return domain.TransportFailed, true
	case webrtc.PeerConnectionStateClosed:
		return domain.TransportClosed, true
	default:
		return "", false
	}
}

type remoteTrack struct {
	id   string
	kind domain.MediaKind
}

func (t remoteTrack) ID() string             { return t.id }
func (t remoteTrack) Kind() domain.MediaKind { return t.kind }

func (p *peerConnection) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	remote := remoteTrack{id: track.ID(), kind: domain.KindAudio}
	var counter *rtpCounter
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		remote.kind = domain.KindVideo
		counter = &rtpCounter{}
		p.mu.Lock()
		p.inbound[remote.id] = counter
		p.mu.Unlock()
	}

	p.logger.Infow("remote track started",
		"track_id", remote.id,
		"kind", remote.kind,
		"codec", track.Codec().MimeType,
	)
	if p.events.OnRemoteTrack != nil && p.active() {
		p.events.OnRemoteTrack(remote)
	}

	go p.readReceiverRTCP(receiver)
	go p.readTrack(track, remote, counter)
}

// readTrack consumes inbound RTP until the track ends, counting video
// packets for loss estimation.
func (p *peerConnection) readTrack(track *webrtc.TrackRemote, remote remoteTrack, counter *rtpCounter) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			p.logger.Debugw("remote track ended", "track_id", remote.id, "error", err)
			break
		}
		if counter != nil {
			counter.observe(pkt)
		}
	}

	if counter != nil {
		p.mu.Lock()
		delete(p.inbound, remote.id)
		p.mu.Unlock()
	}
	if p.events.OnRemoteTrackEnded != nil && p.active() {
		p.events.OnRemoteTrackEnded(remote)
	}
}

// readReceiverRTCP drains sender reports so the interceptors can process them.
func (p *peerConnection) readReceiverRTCP(receiver *webrtc.RTPReceiver) {
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

// readSenderRTCP drains feedback for one outbound track and logs what the
// remote side reports about our stream.
func (p *peerConnection) readSenderRTCP(sender *webrtc.RTPSender, kind domain.MediaKind) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch pk := packet.(type) {
			case *rtcp.ReceiverReport:
				for _, report := range pk.Reports {
					p.logger.Debugw("remote receiver report",
						"kind", kind,
						"ssrc", report.SSRC,
						"fraction_lost", float64(report.FractionLost)/256,
						"total_lost", report.TotalLost,
						"jitter", report.Jitter,
					)
				}
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				p.logger.Debugw("keyframe requested by remote", "kind", kind)
			case *rtcp.ReceiverEstimatedMaximumBitrate:
				p.logger.Debugw("remote bitrate estimate", "kind", kind, "bitrate", pk.Bitrate)
			}
		}
	}
}
