package quadem

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Consumer is the single task that drains dispatched batches from the ring
// and publishes them. It is the only caller of Controller.Drain.
type Consumer struct {
	lock   sync.Locker
	ctrl   *Controller
	queue  *DispatchQueue
	params *Params
	pub    Publisher
	stop   func() error
	logger *zap.Logger

	seq int
}

// NewConsumer builds a consumer. lock must be the lock that guards ctrl;
// stop is called once a Multiple or Single acquisition reaches its target.
func NewConsumer(lock sync.Locker, ctrl *Controller, queue *DispatchQueue, params *Params,
	pub Publisher, stop func() error, logger *zap.Logger) *Consumer {
	return &Consumer{
		lock:   lock,
		ctrl:   ctrl,
		queue:  queue,
		params: params,
		pub:    pub,
		stop:   stop,
		logger: logger,
	}
}

// Run consumes batches until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		b, err := c.queue.Receive(ctx)
		if err != nil {
			c.logger.Info("[consumer] received shutdown signal")
			return nil
		}
		c.handle(b)
	}
}

// targetFor returns the number of batches an acquisition in mode delivers,
// 0 meaning unlimited.
func targetFor(mode AcquireMode, numAcquire int) int {
	switch mode {
	case Single:
		return 1
	case Multiple:
		if numAcquire < 1 {
			return 1
		}
		return numAcquire
	}
	return 0
}

func (c *Consumer) handle(b Batch) {
	n := b.Records
	mode := AcquireMode(c.params.Int(ParamAcquireMode, 0))
	target := targetFor(mode, c.params.Int(ParamNumAcquire, 0))

	c.lock.Lock()
	if b.Generation != c.ctrl.Generation() {
		c.lock.Unlock()
		c.logger.Debug("[consumer] dropping batch from an earlier acquisition",
			zap.Int("records", n), zap.Uint64("generation", b.Generation))
		return
	}
	if target > 0 && c.ctrl.NumAcquired() >= target {
		c.lock.Unlock()
		c.logger.Debug("[consumer] acquisition target reached, batch not drained",
			zap.Int("records", n), zap.Int("target", target))
		return
	}
	batch, err := c.ctrl.Drain(n)
	if err != nil {
		ringCount := c.ctrl.RingCount()
		c.lock.Unlock()
		c.logger.Error("[consumer] could not drain batch, dropping it",
			zap.Error(err), zap.Int("records", n), zap.Int("ringCount", ringCount))
		return
	}
	acquired := c.ctrl.MarkAcquired()
	c.seq++
	seq := c.seq
	c.lock.Unlock()

	ts := time.Now()
	mean := Mean(batch)
	for f := 0; f < NumFields; f++ {
		err = multierr.Append(err, c.params.SetFloat(ParamDoubleData, f, mean[f]))
	}
	err = multierr.Append(err, c.params.SetInt(ParamNumAcquired, 0, acquired))
	if err != nil {
		c.logger.Error("[consumer] could not write batch results back", zap.Error(err), zap.Int("seq", seq))
	}

	c.pub.PublishGroup(batch, ts, seq)
	for _, f := range Fields() {
		c.pub.PublishChannel(f, Column(batch, f), ts, seq)
	}

	if target > 0 && acquired >= target {
		c.logger.Info("[consumer] acquisition complete",
			zap.Stringer("mode", mode), zap.Int("numAcquired", acquired))
		if err := c.stop(); err != nil {
			c.logger.Warn("[consumer] error stopping acquisition", zap.Error(err))
		}
	}
}
