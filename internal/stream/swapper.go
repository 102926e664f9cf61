package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/lobcap/internal/monitoring"
)

// Teardown bounds per lifecycle rule: a pending consumer gets less
// grace than a previously-active one that may still be mid-frame.
const (
	pendingTeardownWait = 2 * time.Second
	activeTeardownWait  = 3 * time.Second
)

// Handle is the slice of a consumer the swapper coordinates. Consumer
// satisfies it.
type Handle interface {
	Ready() <-chan struct{}
	Done() <-chan struct{}
	StartedAt() time.Time
	State() State
	Stop()
}

// SpawnFunc creates and starts a consumer against the given endpoint.
type SpawnFunc func(endpoint string) Handle

// SwapperConfig schedules the connection replacement cycle.
type SwapperConfig struct {
	Period     time.Duration // target consumer lifetime
	ReadyAhead time.Duration // spawn the replacement this long before Period ends
	PrimaryURL string
	BackupURL  string        // alternate endpoint; equal to PrimaryURL when none is configured
	CheckEvery time.Duration // age poll granularity; zero means 10s
}

// Swapper replaces the active upstream consumer on a schedule. When
// the active consumer's age reaches Period−ReadyAhead it spawns a
// replacement on the alternate endpoint; once the replacement forwards
// its first snapshot the roles switch and the old consumer is torn
// down. Both consumers produce during the handoff window, so the
// archive may carry duplicate records there — readers deduplicate by
// lastUpdateId if they care.
type Swapper struct {
	cfg    SwapperConfig
	spawn  SpawnFunc
	logger zerolog.Logger

	mu          sync.Mutex
	active      Handle
	pending     Handle
	usingBackup bool // endpoint parity of the current active
	shutdown    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSwapper builds a swapper. Call Start to spawn the first consumer.
func NewSwapper(cfg SwapperConfig, spawn SpawnFunc, logger zerolog.Logger) *Swapper {
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = 10 * time.Second
	}
	return &Swapper{
		cfg:    cfg,
		spawn:  spawn,
		logger: logger.With().Str("component", "swapper").Logger(),
	}
}

// Start spawns the initial consumer on the primary endpoint and begins
// the replacement schedule.
func (s *Swapper) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.mu.Lock()
	s.active = s.spawn(s.cfg.PrimaryURL)
	s.mu.Unlock()

	s.logger.Info().Str("endpoint", s.cfg.PrimaryURL).Msg("Active consumer started")

	s.wg.Add(1)
	go s.loop()
}

func (s *Swapper) loop() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "swapper", nil)

	ticker := time.NewTicker(s.cfg.CheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.maybeSchedule()
		case <-s.ctx.Done():
			return
		}
	}
}

// maybeSchedule spawns a pending consumer once the active one is old
// enough, unless a swap is already in flight or shutdown has begun.
func (s *Swapper) maybeSchedule() {
	s.mu.Lock()
	if s.shutdown || s.pending != nil || s.active == nil {
		s.mu.Unlock()
		return
	}
	age := time.Since(s.active.StartedAt())
	if age < s.cfg.Period-s.cfg.ReadyAhead {
		s.mu.Unlock()
		return
	}
	endpoint := s.cfg.BackupURL
	if s.usingBackup {
		endpoint = s.cfg.PrimaryURL
	}
	pending := s.spawn(endpoint)
	s.pending = pending
	s.mu.Unlock()

	s.logger.Info().
		Str("endpoint", endpoint).
		Dur("active_age", age).
		Msg("Pending consumer spawned for hot swap")

	s.wg.Add(1)
	go s.awaitPromotion(pending)
}

// awaitPromotion waits for the pending consumer's first snapshot, then
// switches roles and retires the previous active within its teardown
// bound.
func (s *Swapper) awaitPromotion(pending Handle) {
	defer s.wg.Done()

	select {
	case <-pending.Ready():
	case <-pending.Done():
		s.mu.Lock()
		if s.pending == pending {
			s.pending = nil
		}
		s.mu.Unlock()
		s.logger.Warn().Msg("Pending consumer exited before first snapshot; swap abandoned")
		return
	case <-s.ctx.Done():
		return
	}

	s.mu.Lock()
	if s.shutdown || s.pending != pending {
		s.mu.Unlock()
		return
	}
	old := s.active
	s.active = pending
	s.pending = nil
	s.usingBackup = !s.usingBackup
	s.mu.Unlock()

	monitoring.RecordHotSwap()
	s.logger.Info().Msg("Hot swap completed, retiring previous consumer")

	old.Stop()
	select {
	case <-old.Done():
	case <-time.After(activeTeardownWait):
		s.logger.Warn().Msg("Previous consumer did not exit within teardown window")
	}
}

// ActiveInfo reports the active consumer's state and age for health
// reporting.
func (s *Swapper) ActiveInfo() (state State, age time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return StateDisconnected, 0, false
	}
	return s.active.State(), time.Since(s.active.StartedAt()), true
}

// Shutdown refuses new swaps and tears down both consumers: pending
// first within its bound, then active within its own. It returns once
// every coordinator goroutine has finished.
func (s *Swapper) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	pending := s.pending
	active := s.active
	s.pending = nil
	s.active = nil
	s.mu.Unlock()

	s.cancel()

	if pending != nil {
		pending.Stop()
		select {
		case <-pending.Done():
		case <-time.After(pendingTeardownWait):
			s.logger.Warn().Msg("Pending consumer did not exit within teardown window")
		}
	}
	if active != nil {
		active.Stop()
		select {
		case <-active.Done():
		case <-time.After(activeTeardownWait):
			s.logger.Warn().Msg("Active consumer did not exit within teardown window")
		}
	}

	s.wg.Wait()
	s.logger.Info().Msg("Swapper stopped")
}
