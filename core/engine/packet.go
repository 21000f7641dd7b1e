package engine

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

// PendingPacket is one egress datagram produced by the engine.
// It is handed to the transport for a single transmit attempt and must be
// released exactly once afterwards, whatever the outcome.
type PendingPacket struct {
	Addr netip.AddrPort

	buf  *bytebufferpool.ByteBuffer
	pool *PacketPool
}

// Payload returns the datagram bytes.
func (p *PendingPacket) Payload() []byte {
	return p.buf.B
}

// Release returns the packet to its pool. Releasing twice panics.
func (p *PendingPacket) Release() {
	pool := p.pool
	if pool == nil {
		panic("engine: pending packet released twice")
	}
	p.pool = nil
	pool.release(p)
}

// PacketPool recycles PendingPackets and their payload buffers.
// It is safe for concurrent use.
type PacketPool struct {
	sp sync.Pool
	bp bytebufferpool.Pool

	na atomic.Uint64 // number of new acquires
	nr atomic.Uint64 // number of reuse from pool
	np atomic.Uint64 // number of put back to pool
}

// PoolMetrics is a snapshot of pool counters.
// Acquired - Released is the number of packets still outstanding.
type PoolMetrics struct {
	New      uint64
	Reused   uint64
	Released uint64
}

func (m PoolMetrics) Acquired() uint64 {
	return m.New + m.Reused
}

func (m PoolMetrics) Outstanding() uint64 {
	return m.New + m.Reused - m.Released
}

func NewPacketPool() *PacketPool {
	return &PacketPool{}
}

// Acquire returns a packet addressed to addr holding a copy of payload.
func (p *PacketPool) Acquire(addr netip.AddrPort, payload []byte) *PendingPacket {
	v := p.sp.Get()
	if v == nil {
		v = &PendingPacket{}
		p.na.Add(1)
	} else {
		p.nr.Add(1)
	}
	pkt := v.(*PendingPacket)
	pkt.Addr = addr
	pkt.buf = p.bp.Get()
	_, _ = pkt.buf.Write(payload)
	pkt.pool = p
	return pkt
}

func (p *PacketPool) release(pkt *PendingPacket) {
	p.bp.Put(pkt.buf)
	pkt.buf = nil
	pkt.Addr = netip.AddrPort{}
	p.sp.Put(pkt)
	p.np.Add(1)
}

func (p *PacketPool) Metrics() PoolMetrics {
	return PoolMetrics{
		New:      p.na.Load(),
		Reused:   p.nr.Load(),
		Released: p.np.Load(),
	}
}
