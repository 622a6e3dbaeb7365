package refresh

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/MrEthical07/goAuthClient/jwt"
	"github.com/MrEthical07/goAuthClient/session"
)

// DefaultTimeout bounds one refresh call when Options.Timeout is zero.
const DefaultTimeout = 15 * time.Second

// State is the observable state of the coordinator for the current session.
type State int

const (
	// Idle means no refresh has run for the current session.
	Idle State = iota
	// Refreshing means a refresh call is in flight.
	Refreshing
	// Settled means the last refresh finished and its handle was released.
	Settled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Refreshing:
		return "refreshing"
	case Settled:
		return "settled"
	default:
		return "unknown"
	}
}

// Observer receives refresh lifecycle notifications. Implementations must be
// cheap and safe for concurrent use.
type Observer interface {
	RefreshStarted()
	RefreshJoined()
	RefreshSkipped()
	RefreshSettled(err error, elapsed time.Duration)
}

// Options configures a [Coordinator].
type Options struct {
	// Margin is the expiry margin used by the usability re-check.
	Margin time.Duration
	// Timeout bounds the shared refresh call. Zero means DefaultTimeout.
	Timeout time.Duration

	Logger   *zap.Logger
	Observer Observer

	// Persist is called after a refreshed pair is installed.
	Persist func(ctx context.Context, snap session.Snapshot)
	// Terminate is called once per failed refresh with the generation the
	// refresh ran for. It must be idempotent.
	Terminate func(ctx context.Context, generation uint64, cause error)
}

// Coordinator deduplicates refreshes for one credential store.
//
//	Performance: one refresh call per generation at a time; joiners only wait.
type Coordinator struct {
	store     *session.Store
	evaluator *jwt.Evaluator
	refresher Refresher
	opts      Options
	logger    *zap.Logger

	group singleflight.Group

	mu         sync.Mutex
	inflight   int
	settledGen uint64
}

// flightResult carries the leader identity so callers can tell whether they
// joined an existing flight.
type flightResult struct {
	access string
	leader *int
}

// NewCoordinator wires a coordinator over store.
func NewCoordinator(store *session.Store, evaluator *jwt.Evaluator, refresher Refresher, opts Options) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("refresh: store is nil")
	}
	if evaluator == nil {
		return nil, errors.New("refresh: evaluator is nil")
	}
	if refresher == nil {
		return nil, errors.New("refresh: refresher is nil")
	}
	if opts.Margin < 0 {
		return nil, errors.New("refresh: margin must be >= 0")
	}
	if opts.Timeout < 0 {
		return nil, errors.New("refresh: timeout must be >= 0")
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Coordinator{
		store:     store,
		evaluator: evaluator,
		refresher: refresher,
		opts:      opts,
		logger:    logger,
	}, nil
}

// State reports the coordinator state for the current session.
func (c *Coordinator) State() State {
	gen := c.store.Generation()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight > 0 {
		return Refreshing
	}
	if gen != 0 && c.settledGen == gen {
		return Settled
	}
	return Idle
}

// EnsureFreshAccess returns a usable access token, refreshing it if needed.
//
// Concurrent callers join the in-flight refresh instead of starting their
// own. ctx only bounds the caller's wait: cancelling it does not cancel the
// shared call that other callers are waiting on.
func (c *Coordinator) EnsureFreshAccess(ctx context.Context) (string, error) {
	snap, ok := c.store.Load()
	if !ok {
		return "", ErrNotAuthenticated
	}
	if c.evaluator.IsUsable(snap.Pair.Access, c.opts.Margin) {
		return snap.Pair.Access, nil
	}

	me := new(int)
	gen := snap.Generation
	ch := c.group.DoChan(strconv.FormatUint(gen, 10), func() (interface{}, error) {
		access, err := c.flight(ctx, gen)
		return flightResult{access: access, leader: me}, err
	})

	select {
	case res := <-ch:
		if fr, ok := res.Val.(flightResult); ok && fr.leader != me && c.opts.Observer != nil {
			c.opts.Observer.RefreshJoined()
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(flightResult).access, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Coordinator) flight(ctx context.Context, gen uint64) (string, error) {
	c.mu.Lock()
	c.inflight++
	c.mu.Unlock()

	called := false
	defer func() {
		c.mu.Lock()
		c.inflight--
		if called && gen > c.settledGen {
			c.settledGen = gen
		}
		c.mu.Unlock()
	}()

	snap, ok := c.store.Load()
	if !ok {
		return "", ErrNotAuthenticated
	}
	// Another caller may have refreshed (or the user re-logged in) between
	// our read and the start of this flight.
	if c.evaluator.IsUsable(snap.Pair.Access, c.opts.Margin) {
		if c.opts.Observer != nil {
			c.opts.Observer.RefreshSkipped()
		}
		return snap.Pair.Access, nil
	}
	if snap.Generation != gen {
		return "", session.ErrStaleGeneration
	}

	called = true
	if c.opts.Observer != nil {
		c.opts.Observer.RefreshStarted()
	}
	c.logger.Debug("refresh started", zap.String("session_id", snap.SessionID), zap.Uint64("generation", gen))

	start := time.Now()
	access, err := c.exchange(ctx, snap)
	elapsed := time.Since(start)

	if c.opts.Observer != nil {
		c.opts.Observer.RefreshSettled(err, elapsed)
	}
	if err != nil {
		if errors.Is(err, session.ErrStaleGeneration) || errors.Is(err, session.ErrNoSession) {
			c.logger.Info("refresh result discarded",
				zap.String("session_id", snap.SessionID),
				zap.Uint64("generation", gen),
				zap.Error(err),
			)
			return "", err
		}
		c.logger.Warn("refresh failed",
			zap.String("session_id", snap.SessionID),
			zap.Uint64("generation", gen),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		if c.opts.Terminate != nil {
			c.opts.Terminate(context.WithoutCancel(ctx), gen, err)
		}
		return "", err
	}

	c.logger.Debug("refresh succeeded",
		zap.String("session_id", snap.SessionID),
		zap.Uint64("generation", gen),
		zap.Duration("elapsed", elapsed),
	)
	return access, nil
}

func (c *Coordinator) exchange(ctx context.Context, snap session.Snapshot) (string, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.Timeout)
	defer cancel()

	res, err := c.refresher.Refresh(callCtx, snap.Pair.Refresh)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: timed out after %s: %w", ErrRefreshFailed, c.opts.Timeout, err)
		}
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if res.Access == "" {
		return "", fmt.Errorf("%w: empty access token", ErrRefreshFailed)
	}

	next, err := c.store.ReplaceAccess(snap.Generation, res.Access, res.Refresh)
	if err != nil {
		return "", err
	}
	if c.opts.Persist != nil {
		c.opts.Persist(context.WithoutCancel(ctx), next)
	}
	return next.Pair.Access, nil
}
