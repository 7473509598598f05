package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ringline/internal/core/domain"
	"ringline/internal/core/ports"
)

const testSDP = "v=0\r\no=- 4611731400430051336 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

type fakeSignalChannel struct {
	mu      sync.Mutex
	sent    []*domain.SignalMessage
	handler func(*domain.SignalMessage)
	sendErr error
}

func (f *fakeSignalChannel) Send(_ context.Context, receiverID domain.UserID, msg *domain.SignalMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	cp := *msg
	f.sent = append(f.sent, &cp)
	return nil
}

func (f *fakeSignalChannel) Subscribe(_ context.Context, _ domain.UserID, onMessage func(*domain.SignalMessage)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = onMessage
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handler = nil
	}, nil
}

func (f *fakeSignalChannel) deliver(msg *domain.SignalMessage) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (f *fakeSignalChannel) sentOf(t domain.SignalType, to domain.UserID) []*domain.SignalMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.SignalMessage
	for _, m := range f.sent {
		if m.Type == t && m.ReceiverID == to {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSignalChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type historyWrite struct {
	chatID string
	entry  domain.HistoryEntry
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []domain.CallRecord
	history []historyWrite
}

func (f *fakeRecorder) SaveCallRecord(_ context.Context, r *domain.CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, *r)
	return nil
}

func (f *fakeRecorder) SaveCallHistory(_ context.Context, chatID string, e *domain.HistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, historyWrite{chatID: chatID, entry: *e})
	return nil
}

func (f *fakeRecorder) recordsWith(status domain.RecordStatus) []domain.CallRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.CallRecord
	for _, r := range f.records {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeRecorder) historyWith(status domain.HistoryStatus) []historyWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []historyWrite
	for _, h := range f.history {
		if h.entry.Status == status {
			out = append(out, h)
		}
	}
	return out
}

func (f *fakeRecorder) allRecords() []domain.CallRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.CallRecord(nil), f.records...)
}

func (f *fakeRecorder) allHistory() []historyWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]historyWrite(nil), f.history...)
}

type fakePush struct {
	mu       sync.Mutex
	requests []domain.PushRequest
}

func (f *fakePush) Notify(_ context.Context, req domain.PushRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return nil
}

func (f *fakePush) all() []domain.PushRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.PushRequest(nil), f.requests...)
}

type fakePeers struct {
	unknown map[domain.UserID]bool
}

func (f *fakePeers) Resolve(_ context.Context, id domain.UserID) (*domain.Peer, error) {
	if f.unknown[id] {
		return nil, domain.ErrPeerNotFound
	}
	name := string(id)
	return &domain.Peer{ID: id, DisplayName: strings.ToUpper(name[:1]) + name[1:]}, nil
}

type fakeTrack struct {
	id      string
	kind    domain.MediaKind
	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Kind() domain.MediaKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeStream struct {
	tracks []*fakeTrack
}

func (s *fakeStream) Tracks() []ports.LocalTrack {
	out := make([]ports.LocalTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *fakeStream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

func (s *fakeStream) stopped() bool {
	for _, t := range s.tracks {
		if !t.isStopped() {
			return false
		}
	}
	return true
}

type fakeMedia struct {
	mu      sync.Mutex
	seq     int
	err     error
	gate    chan struct{}
	waiting chan struct{}
	streams []*fakeStream
	screens []*fakeTrack
}

func (m *fakeMedia) Acquire(ctx context.Context, callType domain.CallType) (ports.LocalStream, error) {
	m.mu.Lock()
	gate, waiting := m.gate, m.waiting
	m.mu.Unlock()
	if gate != nil {
		if waiting != nil {
			close(waiting)
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.seq++
	stream := &fakeStream{tracks: []*fakeTrack{{id: fmt.Sprintf("audio-%d", m.seq), kind: domain.KindAudio, enabled: true}}}
	if callType == domain.CallTypeVideo {
		stream.tracks = append(stream.tracks, &fakeTrack{id: fmt.Sprintf("video-%d", m.seq), kind: domain.KindVideo, enabled: true})
	}
	m.streams = append(m.streams, stream)
	return stream, nil
}

func (m *fakeMedia) AcquireScreen(context.Context) (ports.LocalTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.seq++
	t := &fakeTrack{id: fmt.Sprintf("screen-%d", m.seq), kind: domain.KindVideo, enabled: true}
	m.screens = append(m.screens, t)
	return t, nil
}

func (m *fakeMedia) stream(i int) *fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[i]
}

type fakeRemoteTrack struct {
	id   string
	kind domain.MediaKind
}

func (t fakeRemoteTrack) ID() string             { return t.id }
func (t fakeRemoteTrack) Kind() domain.MediaKind { return t.kind }

type fakePC struct {
	events ports.PeerConnectionEvents

	mu          sync.Mutex
	tracks      []string
	video       string
	remoteDescs []domain.SignalType
	applied     []domain.ICECandidate
	bitrates    []int
	stats       domain.TransportStats
	statsErr    error
	closed      int
}

func (p *fakePC) AddTrack(track ports.LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, track.ID())
	if track.Kind() == domain.KindVideo {
		p.video = track.ID()
	}
	return nil
}

func (p *fakePC) ReplaceVideoTrack(track ports.LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.video = track.ID()
	return nil
}

func (p *fakePC) CreateOffer() (string, error)  { return testSDP, nil }
func (p *fakePC) CreateAnswer() (string, error) { return testSDP, nil }

func (p *fakePC) SetRemoteDescription(t domain.SignalType, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteDescs = append(p.remoteDescs, t)
	return nil
}

func (p *fakePC) AddICECandidate(c domain.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.remoteDescs) == 0 {
		return errors.New("no remote description")
	}
	p.applied = append(p.applied, c)
	return nil
}

func (p *fakePC) InboundVideoStats() (domain.TransportStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats, p.statsErr
}

func (p *fakePC) SetVideoMaxBitrate(bps int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bitrates = append(p.bitrates, bps)
	return nil
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePC) failStats(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statsErr = err
}

func (p *fakePC) bitrateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bitrates)
}

func (p *fakePC) setStats(lost int64, received uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = domain.TransportStats{PacketsLost: lost, PacketsReceived: received}
	p.statsErr = nil
}

func (p *fakePC) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.applied))
	for _, c := range p.applied {
		out = append(out, c.Candidate)
	}
	return out
}

func (p *fakePC) lastBitrate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.bitrates) == 0 {
		return 0
	}
	return p.bitrates[len(p.bitrates)-1]
}

func (p *fakePC) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePC) remoteDescCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.remoteDescs)
}

func (p *fakePC) videoTrack() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.video
}

type fakeTransport struct {
	mu  sync.Mutex
	pcs []*fakePC
}

func (f *fakeTransport) NewPeerConnection(events ports.PeerConnectionEvents) (ports.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePC{events: events}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakeTransport) pc(i int) *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pcs[i]
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pcs)
}

type recordedMetrics struct {
	started   atomic.Int32
	connected atomic.Int32
	ended     sync.Map
	dropped   sync.Map
}

func (m *recordedMetrics) CallStarted(domain.CallRole, domain.CallType) { m.started.Add(1) }
func (m *recordedMetrics) CallConnected(time.Duration)                  { m.connected.Add(1) }
func (m *recordedMetrics) CallEnded(reason string, _ time.Duration)     { m.ended.Store(reason, true) }
func (m *recordedMetrics) QualityChanged(domain.Quality, float64)       {}
func (m *recordedMetrics) SignalReceived(domain.SignalType)             {}
func (m *recordedMetrics) SignalDropped(_ domain.SignalType, r string) { m.dropped.Store(r, true) }
func (m *recordedMetrics) SignalSendFailed(domain.SignalType)           {}

type eventLog struct {
	mu     sync.Mutex
	events []domain.CallEvent
}

func (l *eventLog) add(ev domain.CallEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(t domain.CallEventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	t         *testing.T
	clock     *clock.Mock
	signals   *fakeSignalChannel
	recorder  *fakeRecorder
	push      *fakePush
	peers     *fakePeers
	media     *fakeMedia
	transport *fakeTransport
	metrics   *recordedMetrics
	events    *eventLog
	svc       *CallService
}

func newHarness(t *testing.T) *harness {
	return newHarnessFor(t, "alice", "dev-a")
}

func newHarnessFor(t *testing.T, userID domain.UserID, deviceID domain.DeviceID) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		clock:     clock.NewMock(),
		signals:   &fakeSignalChannel{},
		recorder:  &fakeRecorder{},
		push:      &fakePush{},
		peers:     &fakePeers{unknown: map[domain.UserID]bool{}},
		media:     &fakeMedia{},
		transport: &fakeTransport{},
		metrics:   &recordedMetrics{},
		events:    &eventLog{},
	}

	cfg := DefaultCallServiceConfig(userID, deviceID)
	cfg.SignalRetry.MaxAttempts = 0
	svc, err := NewCallService(cfg, CallServiceDeps{
		Signals:   h.signals,
		Recorder:  h.recorder,
		Push:      h.push,
		Peers:     h.peers,
		Media:     h.media,
		Transport: h.transport,
		Metrics:   h.metrics,
		Clock:     h.clock,
		Logger:    zaptest.NewLogger(t).Sugar(),
	})
	require.NoError(t, err)
	svc.OnEvent(h.events.add)
	require.NoError(t, svc.Start(context.Background()))
	h.svc = svc

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return h
}

func (h *harness) flush() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(h.t, h.svc.flush(ctx))
}

func (h *harness) snapshot() domain.CallSnapshot {
	h.t.Helper()
	snap, err := h.svc.Snapshot()
	require.NoError(h.t, err)
	return snap
}

func (h *harness) state() domain.CallState {
	return h.snapshot().State
}

// advance moves the mock clock and waits for timer callbacks to reach the loop.
func (h *harness) advance(d time.Duration, until func(domain.CallSnapshot) bool) {
	h.t.Helper()
	h.clock.Add(d)
	require.Eventually(h.t, func() bool {
		snap, err := h.svc.Snapshot()
		return err == nil && until(snap)
	}, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) msg(t domain.SignalType, from domain.UserID) *domain.SignalMessage {
	m := domain.NewSignal(t, from, h.svc.UserID(), h.clock.Now())
	m.DeviceID = domain.DeviceID("dev-" + string(from))
	return m
}

func (h *harness) deliverOffer(from domain.UserID, callType domain.CallType) {
	m := h.msg(domain.SignalOffer, from)
	m.SDP = testSDP
	m.CallType = callType
	h.signals.deliver(m)
}

func (h *harness) deliverAnswer(from domain.UserID) {
	m := h.msg(domain.SignalAnswer, from)
	m.SDP = testSDP
	h.signals.deliver(m)
}

func (h *harness) deliverCandidate(from domain.UserID, candidate string) {
	m := h.msg(domain.SignalCandidate, from)
	m.Candidate = &domain.ICECandidate{Candidate: candidate}
	h.signals.deliver(m)
}

func (h *harness) deliver(t domain.SignalType, from domain.UserID) {
	h.signals.deliver(h.msg(t, from))
}

func (h *harness) transportState(pc *fakePC, state domain.TransportState) {
	pc.events.OnConnectionState(state)
}

func (h *harness) startCall(to domain.UserID, callType domain.CallType) *fakePC {
	h.t.Helper()
	_, err := h.svc.StartCall(context.Background(), to, callType)
	require.NoError(h.t, err)
	return h.transport.pc(h.transport.count() - 1)
}

// connectOutgoing places a call to peer, has it answered and connected.
func (h *harness) connectOutgoing(to domain.UserID) *fakePC {
	h.t.Helper()
	pc := h.startCall(to, domain.CallTypeVideo)
	h.deliverAnswer(to)
	h.transportState(pc, domain.TransportConnected)
	require.Equal(h.t, domain.StateConnected, h.state())
	return pc
}

// connectIncoming receives a call from peer, accepts it and connects.
func (h *harness) connectIncoming(from domain.UserID) *fakePC {
	h.t.Helper()
	h.deliverOffer(from, domain.CallTypeVideo)
	_, err := h.svc.AcceptCall(context.Background())
	require.NoError(h.t, err)
	pc := h.transport.pc(h.transport.count() - 1)
	h.transportState(pc, domain.TransportConnected)
	require.Equal(h.t, domain.StateConnected, h.state())
	return pc
}
