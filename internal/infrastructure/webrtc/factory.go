package webrtc

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"ringline/internal/core/ports"
)

// Config is the transport configuration shared by every call.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// PeerConnectionFactory builds pion peer connections from one API instance,
// so codecs, interceptors and the UDP port range are set up once.
type PeerConnectionFactory struct {
	config Config
	api    *webrtc.API
	logger *zap.SugaredLogger
}

func NewPeerConnectionFactory(config Config, logger *zap.SugaredLogger) (*PeerConnectionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	// NACK, RTCP reports and TWCC; the receiver reports feed the remote
	// side's view of our inbound loss.
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("set udp port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)

	return &PeerConnectionFactory{
		config: config,
		api:    api,
		logger: logger,
	}, nil
}

func (f *PeerConnectionFactory) NewPeerConnection(events ports.PeerConnectionEvents) (ports.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   f.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return newPeerConnection(pc, events, f.logger), nil
}
