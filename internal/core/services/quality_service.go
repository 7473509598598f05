package services

import (
	"ringline/internal/core/domain"
)

// QualityThresholds maps inbound packet loss to a quality class and each
// class to the outbound video bitrate it should run at.
type QualityThresholds struct {
	MediumLoss float64 // loss above this is at most medium
	LowLoss    float64 // loss above this is low

	HighBitrate   int
	MediumBitrate int
	LowBitrate    int
}

func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		MediumLoss:    0.03,
		LowLoss:       0.10,
		HighBitrate:   1_500_000,
		MediumBitrate: 500_000,
		LowBitrate:    150_000,
	}
}

type QualityService struct {
	thresholds QualityThresholds
}

func NewQualityService(thresholds QualityThresholds) *QualityService {
	return &QualityService{thresholds: thresholds}
}

// Classify buckets a packet loss ratio. Boundaries belong to the better class.
func (qs *QualityService) Classify(packetLoss float64) domain.Quality {
	switch {
	case packetLoss > qs.thresholds.LowLoss:
		return domain.QualityLow
	case packetLoss > qs.thresholds.MediumLoss:
		return domain.QualityMedium
	default:
		return domain.QualityHigh
	}
}

// BitrateFor returns the max video bitrate in bps for a quality class.
func (qs *QualityService) BitrateFor(quality domain.Quality) int {
	switch quality {
	case domain.QualityLow:
		return qs.thresholds.LowBitrate
	case domain.QualityMedium:
		return qs.thresholds.MediumBitrate
	default:
		return qs.thresholds.HighBitrate
	}
}
