package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"ringline/internal/core/domain"
	"ringline/internal/core/ports"
)

// AdaptiveBitrateController classifies inbound video loss for one peer
// connection and keeps the outbound video bitrate in line with it.
type AdaptiveBitrateController struct {
	qualityService *QualityService
	pc             ports.PeerConnection
	current        domain.Quality
}

func NewAdaptiveBitrateController(qualityService *QualityService, pc ports.PeerConnection) *AdaptiveBitrateController {
	return &AdaptiveBitrateController{
		qualityService: qualityService,
		pc:             pc,
		current:        domain.QualityUnknown,
	}
}

// QualitySample is the outcome of one stats read.
type QualitySample struct {
	Quality    domain.Quality
	PacketLoss float64
	Bitrate    int
	Changed    bool
}

// Sample reads stats once. On a classification change the new bitrate is
// applied before the class is adopted, so a failed apply is retried on the
// next sample. A failed stats read keeps the current class.
func (a *AdaptiveBitrateController) Sample() (QualitySample, error) {
	stats, err := a.pc.InboundVideoStats()
	if err != nil {
		return QualitySample{Quality: a.current}, fmt.Errorf("read inbound stats: %w", err)
	}

	loss := stats.PacketLoss()
	quality := a.qualityService.Classify(loss)
	sample := QualitySample{Quality: quality, PacketLoss: loss}
	if quality == a.current {
		return sample, nil
	}

	bitrate := a.qualityService.BitrateFor(quality)
	if err := a.pc.SetVideoMaxBitrate(bitrate); err != nil {
		return QualitySample{Quality: a.current, PacketLoss: loss}, fmt.Errorf("set video bitrate %d: %w", bitrate, err)
	}

	a.current = quality
	sample.Bitrate = bitrate
	sample.Changed = true
	return sample, nil
}

func (a *AdaptiveBitrateController) Current() domain.Quality {
	return a.current
}

// QualityMonitor ticks at a fixed interval while a call is connected. The
// tick callback only schedules work; sampling happens wherever the callback
// routes it.
type QualityMonitor struct {
	controller *AdaptiveBitrateController
	ticker     *clock.Ticker
	stop       chan struct{}
	stopOnce   sync.Once
	logger     *zap.SugaredLogger
}

func StartQualityMonitor(
	clk clock.Clock,
	interval time.Duration,
	controller *AdaptiveBitrateController,
	onTick func(),
	logger *zap.SugaredLogger,
) *QualityMonitor {
	m := &QualityMonitor{
		controller: controller,
		ticker:     clk.Ticker(interval),
		stop:       make(chan struct{}),
		logger:     logger,
	}
	go m.run(onTick)
	return m
}

func (m *QualityMonitor) run(onTick func()) {
	defer m.ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-m.ticker.C:
			onTick()
		}
	}
}

// Sample runs one adaptive bitrate step and logs failures.
func (m *QualityMonitor) Sample() (QualitySample, bool) {
	sample, err := m.controller.Sample()
	if err != nil {
		m.logger.Warnw("quality sample skipped", "error", err)
		return sample, false
	}
	if sample.Changed {
		m.logger.Infow("video bitrate adjusted",
			"quality", sample.Quality,
			"packet_loss", sample.PacketLoss,
			"bitrate", sample.Bitrate,
		)
	}
	return sample, true
}

func (m *QualityMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}
