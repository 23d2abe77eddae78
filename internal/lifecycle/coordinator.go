// Package lifecycle pauses and resumes conversation subscriptions as the app
// moves between foreground and background.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/wutzup/internal/bus"
	"go.uber.org/zap"
)

// AppState is the visibility of the app.
type AppState string

const (
	Foreground AppState = "foreground"
	Background AppState = "background"
)

// Hooks are the actions the coordinator drives. Nil hooks are skipped.
type Hooks struct {
	Pause      func()
	Resume     func() error
	Foreground func(ctx context.Context) error
	CatchUp    func(ctx context.Context) error
}

// Config holds the timing thresholds.
type Config struct {
	// GraceWindow is how long subscriptions stay active after backgrounding.
	GraceWindow time.Duration
	// CatchUpThreshold is the background time after which foregrounding
	// refetches open conversations.
	CatchUpThreshold time.Duration
	// RecoveryDelay spaces out resubscription attempts after an interruption.
	RecoveryDelay time.Duration
}

// DefaultConfig returns a 5s grace window and a 30s catch-up threshold.
func DefaultConfig() Config {
	return Config{
		GraceWindow:      5 * time.Second,
		CatchUpThreshold: 30 * time.Second,
		RecoveryDelay:    2 * time.Second,
	}
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	State               AppState
	SubscriptionsActive bool
	BackgroundedAt      time.Time
	ForegroundedAt      time.Time
}

// Transition is the payload of lifecycle events.
type Transition struct {
	State   AppState
	Elapsed time.Duration // time spent in background, set on foreground
	CatchUp bool
}

// Coordinator tracks the app state and the subscriptions-active flag. hookMu
// serializes hook execution so a pause and a resume never interleave.
type Coordinator struct {
	hooks  Hooks
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time

	hookMu sync.Mutex

	mu             sync.Mutex
	cfg            Config
	state          AppState
	active         bool
	backgroundedAt time.Time
	foregroundedAt time.Time
	grace          *time.Timer
	graceGen       uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a coordinator in the foreground with subscriptions active.
func New(cfg Config, hooks Hooks, b *bus.Bus, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		hooks:  hooks,
		bus:    b,
		logger: logger,
		now:    time.Now,
		cfg:    normalize(cfg),
		state:  Foreground,
		active: true,
	}
}

func normalize(cfg Config) Config {
	d := DefaultConfig()
	if cfg.GraceWindow < 0 {
		cfg.GraceWindow = 0
	}
	if cfg.CatchUpThreshold <= 0 {
		cfg.CatchUpThreshold = d.CatchUpThreshold
	}
	if cfg.RecoveryDelay <= 0 {
		cfg.RecoveryDelay = d.RecoveryDelay
	}
	return cfg
}

// SetConfig replaces the thresholds. A grace timer already running keeps its
// original deadline.
func (c *Coordinator) SetConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = normalize(cfg)
}

// Status returns the current state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:               c.state,
		SubscriptionsActive: c.active,
		BackgroundedAt:      c.backgroundedAt,
		ForegroundedAt:      c.foregroundedAt,
	}
}

// SubscriptionsActive reports whether remote subscriptions should be running.
func (c *Coordinator) SubscriptionsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// EnterBackground records the time and schedules the pause after the grace
// window. Subscriptions stay active until then.
func (c *Coordinator) EnterBackground() {
	c.mu.Lock()
	if c.state == Background {
		c.mu.Unlock()
		return
	}
	c.state = Background
	c.backgroundedAt = c.now()
	c.graceGen++
	gen := c.graceGen
	c.grace = time.AfterFunc(c.cfg.GraceWindow, func() { c.pause(gen) })
	c.mu.Unlock()

	c.logger.Info("app backgrounded")
	c.bus.Emit(bus.KindLifecycleBackground, Transition{State: Background})
}

func (c *Coordinator) pause(gen uint64) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()

	c.mu.Lock()
	if gen != c.graceGen || c.state != Background || !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.grace = nil
	c.mu.Unlock()

	if c.hooks.Pause != nil {
		c.hooks.Pause()
	}
	c.logger.Info("subscriptions paused")
	c.bus.Emit(bus.KindLifecyclePaused, Transition{State: Background})
}

// EnterForeground cancels a pending pause, resumes subscriptions if they were
// paused, acknowledges what arrived meanwhile and, after a long enough
// absence, catches up on missed messages. It returns whether catch-up ran and
// how long the app was in the background.
func (c *Coordinator) EnterForeground(ctx context.Context) (bool, time.Duration) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()

	c.mu.Lock()
	if c.state == Foreground {
		c.mu.Unlock()
		return false, 0
	}
	now := c.now()
	elapsed := now.Sub(c.backgroundedAt)
	c.state = Foreground
	c.foregroundedAt = now
	c.graceGen++
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
	resume := !c.active
	c.active = true
	catchUp := elapsed > c.cfg.CatchUpThreshold
	c.mu.Unlock()

	if resume {
		c.runResume()
	}
	if c.hooks.Foreground != nil {
		if err := c.hooks.Foreground(ctx); err != nil {
			c.logger.Warn("foreground acknowledgement failed", zap.Error(err))
		}
	}
	c.logger.Info("app foregrounded", zap.Duration("elapsed", elapsed), zap.Bool("catch_up", catchUp))
	c.bus.Emit(bus.KindLifecycleForeground, Transition{State: Foreground, Elapsed: elapsed, CatchUp: catchUp})

	if catchUp {
		c.bus.Emit(bus.KindLifecycleCatchUp, Transition{State: Foreground, Elapsed: elapsed, CatchUp: true})
		if c.hooks.CatchUp != nil {
			if err := c.hooks.CatchUp(ctx); err != nil {
				c.logger.Warn("catch-up failed", zap.Error(err))
			}
		}
	}
	return catchUp, elapsed
}

func (c *Coordinator) runResume() {
	if c.hooks.Resume == nil {
		return
	}
	if err := c.hooks.Resume(); err != nil {
		c.logger.Warn("resume subscriptions failed", zap.Error(err))
	}
}

// Start follows reconnect and interruption events and resubscribes while
// subscriptions are supposed to be active.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	reconnected, unsubReconnected := c.bus.Subscribe(bus.KindConnectivityReconnected, 8)
	interrupted, unsubInterrupted := c.bus.Subscribe(bus.KindConversationInterrupted, 32)

	go func() {
		defer close(c.done)
		defer unsubReconnected()
		defer unsubInterrupted()
		c.loop(ctx, reconnected, interrupted)
	}()
}

// Stop ends the event loop and cancels a pending pause.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.graceGen++
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
}

func (c *Coordinator) loop(ctx context.Context, reconnected, interrupted <-chan bus.Event) {
	var (
		retry   *time.Timer
		retryCh <-chan time.Time
	)
	defer func() {
		if retry != nil {
			retry.Stop()
		}
	}()

	for {
		select {
		case <-reconnected:
			c.recover()
		case <-interrupted:
			if retryCh != nil {
				continue
			}
			c.mu.Lock()
			delay := c.cfg.RecoveryDelay
			c.mu.Unlock()
			retry = time.NewTimer(delay)
			retryCh = retry.C
		case <-retryCh:
			retry, retryCh = nil, nil
			c.recover()
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) recover() {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	if !c.SubscriptionsActive() {
		return
	}
	c.logger.Debug("recovering subscriptions")
	c.runResume()
}
