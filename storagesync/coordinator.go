package storagesync

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Rounder runs one sync round. *Engine implements it.
type Rounder interface {
	Round(ctx context.Context) (RoundResult, error)
}

// Coordinator implements identity.SyncScheduler. Requests made while a
// round is pending fold into that round; requests made while a round runs
// cause exactly one more round.
type Coordinator struct {
	debounce time.Duration
	pending  chan struct{}

	mutex    sync.Mutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}
}

// NewCoordinator returns a coordinator that waits debounce after the first
// request before running a round.
func NewCoordinator(debounce time.Duration) *Coordinator {
	return &Coordinator{
		debounce: debounce,
		pending:  make(chan struct{}, 1),
	}
}

// ScheduleSyncRound requests a round. It never blocks.
func (c *Coordinator) ScheduleSyncRound() {
	select {
	case c.pending <- struct{}{}:
	default:
	}
}

// Run executes rounds with r as they are requested until ctx ends.
func (c *Coordinator) Run(ctx context.Context, r Rounder) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.pending:
		}

		if c.debounce > 0 {
			timer := time.NewTimer(c.debounce)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			// Requests that arrived while waiting are covered by this round.
			select {
			case <-c.pending:
			default:
			}
		}

		if _, err := r.Round(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Run",
				"error":    err.Error(),
			}).Warn("Storage sync round failed")
		}
	}
}

// Start runs the coordinator in the background until Stop.
func (c *Coordinator) Start(r Rounder) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.running = true
	c.stopChan = make(chan struct{})
	c.done = make(chan struct{})

	go func() {
		<-c.stopChan
		cancel()
	}()
	go func() {
		defer close(c.done)
		_ = c.Run(ctx, r)
	}()
}

// Stop halts a coordinator started with Start and waits for the current
// round to finish.
func (c *Coordinator) Stop() {
	c.mutex.Lock()
	if !c.running {
		c.mutex.Unlock()
		return
	}
	c.running = false
	close(c.stopChan)
	done := c.done
	c.mutex.Unlock()

	<-done
}
