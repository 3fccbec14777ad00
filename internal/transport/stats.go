package transport

import (
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"
)

// Stats exposes a read-only snapshot of a Conn's traffic counters and
// ping/pong latency, grounded on the jsonrpc ws client's use of
// rcrowley/go-metrics for the same purpose.
type Stats struct {
	FramesRead    int64
	FramesWritten int64
	BytesRead     int64
	BytesWritten  int64
	PingPongMin   time.Duration
	PingPongMax   time.Duration
	PingPongMean  time.Duration
}

// statCounters is the live, mutable side backing Stats snapshots.
type statCounters struct {
	framesRead    int64
	framesWritten int64
	bytesRead     int64
	bytesWritten  int64
	pingPong      metrics.Timer
}

func newStatCounters() *statCounters {
	return &statCounters{
		pingPong: metrics.NewTimer(),
	}
}

func (c *statCounters) recordRead(n int) {
	atomic.AddInt64(&c.framesRead, 1)
	atomic.AddInt64(&c.bytesRead, int64(n))
}

func (c *statCounters) recordWrite(n int) {
	atomic.AddInt64(&c.framesWritten, 1)
	atomic.AddInt64(&c.bytesWritten, int64(n))
}

func (c *statCounters) recordPingPong(d time.Duration) {
	c.pingPong.Update(d)
}

func (c *statCounters) snapshot() Stats {
	return Stats{
		FramesRead:    atomic.LoadInt64(&c.framesRead),
		FramesWritten: atomic.LoadInt64(&c.framesWritten),
		BytesRead:     atomic.LoadInt64(&c.bytesRead),
		BytesWritten:  atomic.LoadInt64(&c.bytesWritten),
		PingPongMin:   time.Duration(c.pingPong.Min()),
		PingPongMax:   time.Duration(c.pingPong.Max()),
		PingPongMean:  time.Duration(int64(c.pingPong.Mean())),
	}
}
