package webrtc

import (
	"sync"

	"github.com/pion/rtp"

	"ringline/internal/core/domain"
)

// rtpCounter derives cumulative loss for one inbound stream from RTP
// sequence numbers, the same way an RTCP receiver report does: expected
// packets span the extended sequence range, lost is expected minus received.
type rtpCounter struct {
	mu       sync.Mutex
	started  bool
	baseSeq  uint32
	maxSeq   uint16
	cycles   uint32
	received uint64
	bytes    uint64
}

func (c *rtpCounter) observe(pkt *rtp.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq := pkt.SequenceNumber
	c.received++
	c.bytes += uint64(pkt.MarshalSize())
	if !c.started {
		c.started = true
		c.baseSeq = uint32(seq)
		c.maxSeq = seq
		return
	}

	// Forward within half the sequence space is new; anything else is a
	// late or duplicate packet.
	if delta := seq - c.maxSeq; delta != 0 && delta < 1<<15 {
		if seq < c.maxSeq {
			c.cycles += 1 << 16
		}
		c.maxSeq = seq
	}
}

func (c *rtpCounter) snapshot() domain.TransportStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return domain.TransportStats{}
	}
	expected := int64(c.cycles) + int64(c.maxSeq) - int64(c.baseSeq) + 1
	lost := expected - int64(c.received)
	if lost < 0 {
		lost = 0
	}
	return domain.TransportStats{
		BytesReceived:   c.bytes,
		PacketsLost:     lost,
		PacketsReceived: c.received,
	}
}
