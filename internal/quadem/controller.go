package quadem

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AcquireMode says how many batches an acquisition delivers.
type AcquireMode int

const (
	Continuous AcquireMode = iota
	Multiple
	Single
)

func (m AcquireMode) String() string {
	switch m {
	case Continuous:
		return "Continuous"
	case Multiple:
		return "Multiple"
	case Single:
		return "Single"
	}
	return "AcquireMode(?)"
}

// ParseAcquireMode accepts the mode names case-insensitively.
func ParseAcquireMode(s string) (AcquireMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "continuous", "":
		return Continuous, nil
	case "multiple":
		return Multiple, nil
	case "single":
		return Single, nil
	}
	return Continuous, fmt.Errorf("%w: acquire mode %q", ErrInvalidParam, s)
}

// Controller owns the acquire/stop state, the ring, and the counters that
// decide when a batch is complete. It does no locking of its own: every
// method must be called with the Driver's device lock held.
type Controller struct {
	ring   *RingBuffer
	queue  *DispatchQueue
	logger *zap.Logger

	acquiring   bool
	numAverage  int
	rawCount    int
	overflows   int
	numAcquired int
	generation  uint64

	overflowLog *rate.Limiter
}

// NewController wires a controller to its ring and dispatch queue.
func NewController(ring *RingBuffer, queue *DispatchQueue, logger *zap.Logger) *Controller {
	return &Controller{
		ring:        ring,
		queue:       queue,
		logger:      logger,
		overflowLog: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Start enters Acquiring: the ring, the raw counter, stale batch messages
// and numAcquired are all cleared.
func (c *Controller) Start() {
	c.ring.Flush()
	if n := c.queue.Drain(); n > 0 {
		c.logger.Debug("[controller] dropped stale batch messages on start", zap.Int("messages", n))
	}
	c.rawCount = 0
	c.numAcquired = 0
	c.generation++
	c.acquiring = true
}

// Stop returns to Idle. Calling it while idle is a no-op.
func (c *Controller) Stop() {
	c.acquiring = false
}

// Acquiring reports whether the controller is in the Acquiring state.
func (c *Controller) Acquiring() bool {
	return c.acquiring
}

// SetNumAverage sets the trigger threshold. 0 disables automatic flushing,
// values above the ring capacity are clamped to it.
func (c *Controller) SetNumAverage(n int) int {
	if n < 0 {
		n = 0
	}
	if n > c.ring.Cap() {
		c.logger.Warn("[controller] numAverage exceeds ring capacity, clamping",
			zap.Int("numAverage", n), zap.Int("capacity", c.ring.Cap()))
		n = c.ring.Cap()
	}
	c.numAverage = n
	return n
}

// NumAverage returns the trigger threshold.
func (c *Controller) NumAverage() int {
	return c.numAverage
}

// Append stores rec and flushes a batch once numAverage records have
// accumulated. It reports whether a batch message was queued.
func (c *Controller) Append(rec Record) bool {
	if c.ring.Push(rec) {
		c.overflows++
		// Only one record is evicted, so rawCount is only corrected by one.
		if c.rawCount > 0 {
			c.rawCount--
		}
		if c.overflowLog.Allow() {
			c.logger.Warn("[controller] ring buffer overflow, oldest record discarded",
				zap.Int("overflows", c.overflows), zap.Int("capacity", c.ring.Cap()))
		}
	}
	c.rawCount++
	if c.numAverage > 0 && c.rawCount >= c.numAverage {
		return c.flush()
	}
	return false
}

// Trigger flushes whatever has accumulated, regardless of numAverage. It is
// a no-op when nothing has arrived since the last flush.
func (c *Controller) Trigger() bool {
	if c.rawCount < 1 {
		return false
	}
	return c.flush()
}

func (c *Controller) flush() bool {
	n := c.rawCount
	c.rawCount = 0
	if err := c.queue.TrySend(Batch{Records: n, Generation: c.generation}); err != nil {
		c.logger.Error("[controller] could not dispatch batch, records discarded",
			zap.Error(err), zap.Int("records", n))
		return false
	}
	return true
}

// Generation identifies the current acquisition; Start advances it.
func (c *Controller) Generation() uint64 {
	return c.generation
}

// Drain pops a dispatched batch from the ring.
func (c *Controller) Drain(n int) ([]Record, error) {
	return c.ring.PopBatch(n)
}

// RawCount is the number of records appended since the last flush.
func (c *Controller) RawCount() int {
	return c.rawCount
}

// RingCount is the number of records resident in the ring.
func (c *Controller) RingCount() int {
	return c.ring.Len()
}

// Overflows is the total number of evictions.
func (c *Controller) Overflows() int {
	return c.overflows
}

// NumAcquired is the number of batches consumed since Start.
func (c *Controller) NumAcquired() int {
	return c.numAcquired
}

// MarkAcquired counts one consumed batch and returns the new total.
func (c *Controller) MarkAcquired() int {
	c.numAcquired++
	return c.numAcquired
}
