package snapshot

import (
	"time"

	"go.uber.org/zap"
)

// Ticker is the run loop's periodic scheduler.
type Ticker interface {
	Every(interval time.Duration, fn func()) (stop func())
}

// Checkpointer coalesces save requests so that a burst of merged pages
// produces one snapshot per interval instead of one per page.
//
// It runs on the run loop: RequestSave is O(1) and the save itself happens on
// the next tick. Close performs a final save if anything is pending.
type Checkpointer struct {
	save    func() error
	ticker  Ticker
	logger  *zap.Logger
	dirty   bool
	lastErr error
	stop    func()
	closed  bool
	saves   int
}

// NewCheckpointer creates a checkpointer around save.
func NewCheckpointer(save func() error, ticker Ticker, logger *zap.Logger) *Checkpointer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checkpointer{save: save, ticker: ticker, logger: logger.Named("checkpoint")}
}

// Start begins periodic saving. Calling it again is a no-op.
func (c *Checkpointer) Start(interval time.Duration) {
	if c.stop != nil || c.closed {
		return
	}
	c.stop = c.ticker.Every(interval, c.tick)
}

func (c *Checkpointer) tick() {
	if !c.dirty {
		return
	}
	if err := c.SaveNow(); err != nil {
		c.logger.Warn("checkpoint failed", zap.Error(err))
	}
}

// RequestSave marks the state dirty.
func (c *Checkpointer) RequestSave() {
	c.dirty = true
}

// Dirty reports whether a save is pending.
func (c *Checkpointer) Dirty() bool { return c.dirty }

// SaveNow saves synchronously.
func (c *Checkpointer) SaveNow() error {
	c.dirty = false
	c.saves++
	c.lastErr = c.save()
	return c.lastErr
}

// Saves returns the number of saves performed.
func (c *Checkpointer) Saves() int { return c.saves }

// LastError returns the error of the most recent save.
func (c *Checkpointer) LastError() error { return c.lastErr }

// Close stops ticking and flushes a pending save.
func (c *Checkpointer) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.stop != nil {
		c.stop()
		c.stop = nil
	}
	if c.dirty {
		return c.SaveNow()
	}
	return nil
}
