package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"ringline/internal/core/domain"
	"ringline/internal/core/ports"
	"ringline/pkg/circuitbreaker"
	"ringline/pkg/retry"
	"ringline/pkg/validation"
)

type CallServiceConfig struct {
	UserID              domain.UserID
	DeviceID            domain.DeviceID
	RingTimeout         time.Duration
	StatsInterval       time.Duration
	ResetDelay          time.Duration
	OrphanCandidateTTL  time.Duration
	MaxOrphanCandidates int
	StoreTimeout        time.Duration
	SignalRetry         retry.Config
}

func DefaultCallServiceConfig(userID domain.UserID, deviceID domain.DeviceID) CallServiceConfig {
	return CallServiceConfig{
		UserID:              userID,
		DeviceID:            deviceID,
		RingTimeout:         30 * time.Second,
		StatsInterval:       2 * time.Second,
		ResetDelay:          2 * time.Second,
		OrphanCandidateTTL:  30 * time.Second,
		MaxOrphanCandidates: 64,
		StoreTimeout:        5 * time.Second,
		SignalRetry:         retry.SignalConfig(),
	}
}

type CallServiceDeps struct {
	Signals   ports.SignalChannel
	Recorder  ports.CallRecorder
	Push      ports.PushNotifier
	Peers     ports.PeerDirectory
	Media     ports.MediaProvider
	Transport ports.PeerConnectionFactory
	Metrics   ports.CallMetrics
	Quality   *QualityService
	Clock     clock.Clock
	Logger    *zap.SugaredLogger
}

// CallService runs the call state machine for one local user on one device.
// All session state lives on a single loop goroutine; intents, inbound
// signals, transport callbacks and timers are posted to it as closures.
type CallService struct {
	cfg        CallServiceConfig
	signals    ports.SignalChannel
	recorder   ports.CallRecorder
	push       ports.PushNotifier
	peers      ports.PeerDirectory
	media      ports.MediaProvider
	transport  ports.PeerConnectionFactory
	metrics    ports.CallMetrics
	quality    *QualityService
	supervisor *TimeoutSupervisor
	clock      clock.Clock
	logger     *zap.SugaredLogger

	events chan func()
	quit   chan struct{}
	done   chan struct{}

	outbox      *taskQueue
	sideEffects *taskQueue
	dispatch    *taskQueue

	recorderBreaker *circuitbreaker.CircuitBreaker
	pushBreaker     *circuitbreaker.CircuitBreaker

	listenersMu sync.RWMutex
	listeners   []func(domain.CallEvent)

	lifecycleMu sync.Mutex
	unsubscribe func()
	closeOnce   sync.Once

	// loop-owned
	active        *callSession
	incoming      *callSession
	orphans       *orphanCandidates
	showEnded     bool
	resetTimer    *clock.Timer
	resetGen      uint64
	lastState     domain.CallState
	connQuality   domain.Quality
	micEnabled    bool
	cameraEnabled bool
	screenSharing bool
	closing       bool
}

func NewCallService(cfg CallServiceConfig, deps CallServiceDeps) (*CallService, error) {
	if err := validation.ValidateUserID(string(cfg.UserID)); err != nil {
		return nil, fmt.Errorf("%w: user id: %v", domain.ErrInvalidArgument, err)
	}
	if err := validation.ValidateDeviceID(string(cfg.DeviceID)); err != nil {
		return nil, fmt.Errorf("%w: device id: %v", domain.ErrInvalidArgument, err)
	}
	switch {
	case deps.Signals == nil:
		return nil, errors.New("call service requires a signal channel")
	case deps.Media == nil:
		return nil, errors.New("call service requires a media provider")
	case deps.Transport == nil:
		return nil, errors.New("call service requires a peer connection factory")
	case deps.Peers == nil:
		return nil, errors.New("call service requires a peer directory")
	case deps.Recorder == nil:
		return nil, errors.New("call service requires a call recorder")
	}
	if deps.Push == nil {
		deps.Push = noopPushNotifier{}
	}
	if deps.Metrics == nil {
		deps.Metrics = noopCallMetrics{}
	}
	if deps.Quality == nil {
		deps.Quality = NewQualityService(DefaultQualityThresholds())
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	logger := deps.Logger.With("user_id", cfg.UserID, "device_id", cfg.DeviceID)

	s := &CallService{
		cfg:         cfg,
		signals:     deps.Signals,
		recorder:    deps.Recorder,
		push:        deps.Push,
		peers:       deps.Peers,
		media:       deps.Media,
		transport:   deps.Transport,
		metrics:     deps.Metrics,
		quality:     deps.Quality,
		supervisor:  NewTimeoutSupervisor(deps.Clock, cfg.RingTimeout),
		clock:       deps.Clock,
		logger:      logger,
		events:      make(chan func()),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		outbox:      newTaskQueue("signal_outbox", logger),
		sideEffects: newTaskQueue("side_effects", logger),
		dispatch:    newTaskQueue("event_dispatch", logger),
		orphans:     newOrphanCandidates(cfg.OrphanCandidateTTL, cfg.MaxOrphanCandidates),
		lastState:   domain.StateIdle,
	}

	s.recorderBreaker = circuitbreaker.New(circuitbreaker.DefaultConfig("call_recorder"), deps.Clock)
	s.pushBreaker = circuitbreaker.New(circuitbreaker.DefaultConfig("push"), deps.Clock)
	for _, cb := range []*circuitbreaker.CircuitBreaker{s.recorderBreaker, s.pushBreaker} {
		cb.OnStateChange(func(name string, from, to circuitbreaker.State) {
			logger.Warnw("circuit breaker state changed", "breaker", name, "from", from, "to", to)
		})
	}

	go s.run()
	return s, nil
}

// Start subscribes to inbound signals for the local user.
func (s *CallService) Start(ctx context.Context) error {
	unsubscribe, err := s.signals.Subscribe(ctx, s.cfg.UserID, s.onSignal)
	if err != nil {
		return fmt.Errorf("subscribe to signals: %w", err)
	}
	s.lifecycleMu.Lock()
	s.unsubscribe = unsubscribe
	s.lifecycleMu.Unlock()

	s.logger.Infow("call service started")
	return nil
}

// Close ends any call in progress, stops the loop and drains queued signals
// and records until ctx expires.
func (s *CallService) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.lifecycleMu.Lock()
		if s.unsubscribe != nil {
			s.unsubscribe()
			s.unsubscribe = nil
		}
		s.lifecycleMu.Unlock()

		s.post(func() {
			s.closing = true
			if s.incoming != nil {
				s.terminate(s.incoming, s.declineCause())
			}
			if s.active != nil {
				s.terminate(s.active, causeLocalHangup)
			}
			s.cancelReset()
		})
		close(s.quit)
		<-s.done

		err = errors.Join(
			s.outbox.Close(ctx),
			s.sideEffects.Close(ctx),
			s.dispatch.Close(ctx),
		)
		s.logger.Infow("call service stopped")
	})
	return err
}

// OnEvent registers a listener. Listeners run in order on a dispatch
// goroutine and may call back into the service.
func (s *CallService) OnEvent(fn func(domain.CallEvent)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *CallService) Snapshot() (domain.CallSnapshot, error) {
	return onLoop(s, func() (domain.CallSnapshot, error) {
		return s.snapshot(), nil
	})
}

func (s *CallService) UserID() domain.UserID     { return s.cfg.UserID }
func (s *CallService) DeviceID() domain.DeviceID { return s.cfg.DeviceID }

func (s *CallService) run() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.quit:
			return
		}
	}
}

// post hands fn to the loop. A closure the loop accepts always runs.
func (s *CallService) post(fn func()) bool {
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	}
}

func onLoop[T any](s *CallService, fn func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	reply := make(chan result, 1)
	if !s.post(func() {
		v, err := fn()
		reply <- result{v, err}
	}) {
		var zero T
		return zero, domain.ErrServiceClosed
	}
	r := <-reply
	return r.value, r.err
}

// flush waits until the loop and every queue have caught up.
func (s *CallService) flush(ctx context.Context) error {
	if _, err := onLoop(s, func() (struct{}, error) { return struct{}{}, nil }); err != nil {
		return err
	}
	return errors.Join(s.outbox.Flush(ctx), s.sideEffects.Flush(ctx), s.dispatch.Flush(ctx))
}

func (s *CallService) callState() domain.CallState {
	switch {
	case s.active != nil:
		return s.active.state
	case s.incoming != nil:
		return domain.StateRinging
	case s.showEnded:
		return domain.StateEnded
	default:
		return domain.StateIdle
	}
}

func (s *CallService) snapshot() domain.CallSnapshot {
	snap := domain.CallSnapshot{
		State:             s.callState(),
		ConnectionQuality: s.connQuality,
		MicEnabled:        s.micEnabled,
		CameraEnabled:     s.cameraEnabled,
		ScreenSharing:     s.screenSharing,
	}
	if s.active != nil {
		snap.ActiveCall = s.active.info()
		snap.LocalStream = s.active.localTrackIDs()
		snap.RemoteStream = s.active.remoteTrackIDs()
	}
	if s.incoming != nil {
		snap.IncomingCall = s.incoming.info()
	}
	return snap
}

func (s *CallService) emit(ev domain.CallEvent) {
	s.dispatch.Enqueue(func(context.Context) {
		s.listenersMu.RLock()
		listeners := append(([]func(domain.CallEvent))(nil), s.listeners...)
		s.listenersMu.RUnlock()
		for _, l := range listeners {
			l(ev)
		}
	})
}

func (s *CallService) publishState() {
	state := s.callState()
	if state == s.lastState {
		return
	}
	s.lastState = state
	ev := domain.CallEvent{Type: domain.EventStateChanged, State: state}
	if s.active != nil {
		ev.Call = s.active.info()
	}
	s.emit(ev)
}

// declineCause picks how to turn down the incoming call: busy while another
// call is connected, reject otherwise.
func (s *CallService) declineCause() endCause {
	if s.active != nil && s.active.state == domain.StateConnected {
		return causeLocalDecline
	}
	return causeLocalReject
}

func (s *CallService) scheduleReset() {
	s.cancelReset()
	if s.cfg.ResetDelay <= 0 {
		return
	}
	s.showEnded = true
	gen := s.resetGen
	s.resetTimer = s.clock.AfterFunc(s.cfg.ResetDelay, func() {
		s.post(func() {
			if s.resetGen != gen {
				return
			}
			s.showEnded = false
			s.resetTimer = nil
			s.publishState()
		})
	})
}

func (s *CallService) cancelReset() {
	s.resetGen++
	s.showEnded = false
	if s.resetTimer != nil {
		s.resetTimer.Stop()
		s.resetTimer = nil
	}
}

type noopPushNotifier struct{}

func (noopPushNotifier) Notify(context.Context, domain.PushRequest) error { return nil }

type noopCallMetrics struct{}

func (noopCallMetrics) CallStarted(domain.CallRole, domain.CallType) {}
func (noopCallMetrics) CallConnected(time.Duration)                  {}
func (noopCallMetrics) CallEnded(string, time.Duration)              {}
func (noopCallMetrics) QualityChanged(domain.Quality, float64)       {}
func (noopCallMetrics) SignalReceived(domain.SignalType)             {}
func (noopCallMetrics) SignalDropped(domain.SignalType, string)      {}
func (noopCallMetrics) SignalSendFailed(domain.SignalType)           {}
