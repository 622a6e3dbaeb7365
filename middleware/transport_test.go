package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/goAuthClient/jwt"
	"github.com/MrEthical07/goAuthClient/permission"
	"github.com/MrEthical07/goAuthClient/refresh"
	"github.com/MrEthical07/goAuthClient/session"
)

type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func respond(status int) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("")),
		Header:     make(http.Header),
	}
}

type recorder struct {
	mu       sync.Mutex
	requests []*http.Request
	status   int
}

func (r *recorder) transport() roundTripFunc {
	return func(req *http.Request) (*http.Response, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.requests = append(r.requests, req)
		status := r.status
		if status == 0 {
			status = http.StatusOK
		}
		return respond(status), nil
	}
}

func (r *recorder) last(t *testing.T) *http.Request {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.requests)
	return r.requests[len(r.requests)-1]
}

type refresherFunc func(ctx context.Context) (string, error)

func (f refresherFunc) EnsureFreshAccess(ctx context.Context) (string, error) { return f(ctx) }

type gateObserver struct {
	public, protected, unauth, attached, rejected atomic.Int64
}

func (o *gateObserver) PublicRequest()          { o.public.Add(1) }
func (o *gateObserver) ProtectedRequest()       { o.protected.Add(1) }
func (o *gateObserver) UnauthenticatedRequest() { o.unauth.Add(1) }
func (o *gateObserver) TokenAttached()          { o.attached.Add(1) }
func (o *gateObserver) AuthRejected()           { o.rejected.Add(1) }

type fixture struct {
	store      *session.Store
	mgr        *jwt.Manager
	rec        *recorder
	observer   *gateObserver
	refreshes  atomic.Int64
	terminated atomic.Int64
	client     *http.Client
}

func newFixture(t *testing.T, refresher refresherFunc, statuses ...int) *fixture {
	t.Helper()
	f := &fixture{
		store:    session.NewStore(),
		rec:      &recorder{},
		observer: &gateObserver{},
	}

	mgr, err := jwt.NewManager(jwt.Config{
		AccessTTL:     time.Hour,
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    []byte("gate-test-secret"),
	})
	require.NoError(t, err)
	f.mgr = mgr

	eval, err := jwt.NewEvaluator(jwt.EvaluatorConfig{})
	require.NoError(t, err)

	routes := permission.NewRoutes()
	require.NoError(t, routes.Register("POST /auth/refresh"))
	require.NoError(t, routes.Register("/health"))
	require.NoError(t, routes.ManageHost("api.test"))
	routes.Freeze()

	if refresher == nil {
		refresher = func(context.Context) (string, error) {
			return "", errors.New("unexpected refresh")
		}
	}
	counted := refresherFunc(func(ctx context.Context) (string, error) {
		f.refreshes.Add(1)
		return refresher(ctx)
	})

	tr, err := NewTransport(Options{
		Base:           f.rec.transport(),
		Store:          f.store,
		Evaluator:      eval,
		Margin:         5 * time.Second,
		Refresher:      counted,
		Routes:         routes,
		RejectStatuses: statuses,
		Terminate: func(_ context.Context, gen uint64, _ int) {
			if _, ok := f.store.ClearGeneration(gen); ok {
				f.terminated.Add(1)
			}
		},
		Observer: f.observer,
	})
	require.NoError(t, err)
	f.client = &http.Client{Transport: tr}
	return f
}

func (f *fixture) token(t *testing.T, ttl time.Duration) string {
	t.Helper()
	tok, err := f.mgr.CreateAccessWithTTL("admin", "sid", ttl)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, url string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := f.client.Do(req)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return resp, err
}

func TestNewTransportValidation(t *testing.T) {
	eval, err := jwt.NewEvaluator(jwt.EvaluatorConfig{})
	require.NoError(t, err)
	routes := permission.NewRoutes()
	r := refresherFunc(func(context.Context) (string, error) { return "", nil })
	store := session.NewStore()

	cases := []Options{
		{Evaluator: eval, Refresher: r, Routes: routes},
		{Store: store, Refresher: r, Routes: routes},
		{Store: store, Evaluator: eval, Routes: routes},
		{Store: store, Evaluator: eval, Refresher: r},
		{Store: store, Evaluator: eval, Refresher: r, Routes: routes, Margin: -1},
		{Store: store, Evaluator: eval, Refresher: r, Routes: routes, RejectStatuses: []int{200}},
	}
	for i, opts := range cases {
		_, err := NewTransport(opts)
		assert.Error(t, err, "case %d", i)
	}
}

func TestPublicCallPassesThroughUntouched(t *testing.T) {
	f := newFixture(t, nil)
	f.rec.status = http.StatusUnauthorized
	_, err := f.store.Establish(session.Pair{Access: f.token(t, time.Hour), Refresh: "r1"}, "sid")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, "http://api.test/auth/refresh", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Basic caller-set")
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	sent := f.rec.last(t)
	assert.Same(t, req, sent)
	assert.Equal(t, "Basic caller-set", sent.Header.Get("Authorization"))
	assert.Empty(t, sent.Header.Get(RequestIDHeader))
	assert.True(t, f.store.Authenticated(), "public 401 must not terminate")
	assert.Equal(t, int64(1), f.observer.public.Load())
	assert.Zero(t, f.terminated.Load())
}

func TestForeignHostNeverReceivesToken(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.store.Establish(session.Pair{Access: f.token(t, time.Hour), Refresh: "r1"}, "sid")
	require.NoError(t, err)

	_, err = f.do(t, http.MethodGet, "http://cdn.example/processes")
	require.NoError(t, err)
	sent := f.rec.last(t)
	assert.Empty(t, sent.Header.Get("Authorization"))
	assert.Empty(t, sent.Header.Get(RequestIDHeader))
}

func TestProtectedCallGetsRequestID(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.store.Establish(session.Pair{Access: f.token(t, time.Hour), Refresh: "r1"}, "sid")
	require.NoError(t, err)

	_, err = f.do(t, http.MethodGet, "http://api.test/processes")
	require.NoError(t, err)
	assert.NotEmpty(t, f.rec.last(t).Header.Get(RequestIDHeader))

	req, err := http.NewRequest(http.MethodGet, "http://api.test/processes", nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "caller-id")
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, "caller-id", f.rec.last(t).Header.Get(RequestIDHeader))
}

func TestProtectedCallAttachesUsableToken(t *testing.T) {
	f := newFixture(t, nil)
	access := f.token(t, time.Hour)
	_, err := f.store.Establish(session.Pair{Access: access, Refresh: "r1"}, "sid")
	require.NoError(t, err)

	resp, err := f.do(t, http.MethodGet, "http://api.test/processes")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bearer "+access, f.rec.last(t).Header.Get("Authorization"))
	assert.Zero(t, f.refreshes.Load())
	assert.Equal(t, int64(1), f.observer.attached.Load())
}

func TestProtectedCallRefreshesExpiringToken(t *testing.T) {
	var f *fixture
	fresh := ""
	f = newFixture(t, func(context.Context) (string, error) {
		snap, _ := f.store.Load()
		next, err := f.store.ReplaceAccess(snap.Generation, fresh, "")
		return next.Pair.Access, err
	})
	fresh = f.token(t, time.Hour)
	_, err := f.store.Establish(session.Pair{Access: f.token(t, 2*time.Second), Refresh: "r1"}, "sid")
	require.NoError(t, err)

	_, err = f.do(t, http.MethodGet, "http://api.test/processes")
	require.NoError(t, err)
	assert.Equal(t, "Bearer "+fresh, f.rec.last(t).Header.Get("Authorization"))
	assert.Equal(t, int64(1), f.refreshes.Load())
}

func TestRefreshFailureFailsCallWithoutSending(t *testing.T) {
	f := newFixture(t, func(context.Context) (string, error) {
		return "", refresh.ErrRefreshFailed
	})
	_, err := f.store.Establish(session.Pair{Access: f.token(t, -time.Minute), Refresh: "r1"}, "sid")
	require.NoError(t, err)

	_, err = f.do(t, http.MethodGet, "http://api.test/processes")
	require.ErrorIs(t, err, refresh.ErrRefreshFailed)
	f.rec.mu.Lock()
	assert.Empty(t, f.rec.requests)
	f.rec.mu.Unlock()
}

func TestAbsentSessionSendsWithoutCredential(t *testing.T) {
	f := newFixture(t, nil)
	f.rec.status = http.StatusUnauthorized

	resp, err := f.do(t, http.MethodGet, "http://api.test/processes")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, f.rec.last(t).Header.Get("Authorization"))
	assert.Equal(t, int64(1), f.observer.unauth.Load())
	assert.Zero(t, f.terminated.Load())
}

func TestSessionVanishingDuringRefreshSendsWithoutCredential(t *testing.T) {
	f := newFixture(t, func(context.Context) (string, error) {
		return "", refresh.ErrNotAuthenticated
	})
	_, err := f.store.Establish(session.Pair{Access: f.token(t, -time.Minute), Refresh: "r1"}, "sid")
	require.NoError(t, err)

	_, err = f.do(t, http.MethodGet, "http://api.test/processes")
	require.NoError(t, err)
	assert.Empty(t, f.rec.last(t).Header.Get("Authorization"))
}

func TestRejectedProtectedCallTerminatesOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.rec.status = http.StatusUnauthorized
	_, err := f.store.Establish(session.Pair{Access: f.token(t, time.Hour), Refresh: "r1"}, "sid")
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			req, _ := http.NewRequest(http.MethodGet, "http://api.test/suppliers", nil)
			resp, err := f.client.Do(req)
			if err == nil {
				_ = resp.Body.Close()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), f.terminated.Load())
	assert.False(t, f.store.Authenticated())
}

func TestNonAuthErrorsPassThrough(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.store.Establish(session.Pair{Access: f.token(t, time.Hour), Refresh: "r1"}, "sid")
	require.NoError(t, err)

	for _, status := range []int{http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError} {
		f.rec.status = status
		resp, err := f.do(t, http.MethodGet, "http://api.test/processes")
		require.NoError(t, err)
		assert.Equal(t, status, resp.StatusCode)
	}
	assert.True(t, f.store.Authenticated())
	assert.Zero(t, f.terminated.Load())
}

func TestWidenedRejectStatuses(t *testing.T) {
	f := newFixture(t, nil, http.StatusUnauthorized, 419)
	f.rec.status = 419
	_, err := f.store.Establish(session.Pair{Access: f.token(t, time.Hour), Refresh: "r1"}, "sid")
	require.NoError(t, err)

	_, err = f.do(t, http.MethodGet, "http://api.test/processes")
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.terminated.Load())
}

func TestStaleRejectionDoesNotTerminateNewSession(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.store.Establish(session.Pair{Access: f.token(t, time.Hour), Refresh: "r1"}, "sid-1")
	require.NoError(t, err)
	second := f.token(t, 2*time.Hour)

	eval, err := jwt.NewEvaluator(jwt.EvaluatorConfig{})
	require.NoError(t, err)
	routes := permission.NewRoutes()
	routes.Freeze()

	// Re-login happens while the rejected call is on the wire.
	base := roundTripFunc(func(*http.Request) (*http.Response, error) {
		if _, err := f.store.Establish(session.Pair{Access: second, Refresh: "r2"}, "sid-2"); err != nil {
			return nil, err
		}
		return respond(http.StatusUnauthorized), nil
	})
	gate, err := NewTransport(Options{
		Base:      base,
		Store:     f.store,
		Evaluator: eval,
		Refresher: refresherFunc(func(context.Context) (string, error) { return "", nil }),
		Routes:    routes,
		Terminate: func(_ context.Context, gen uint64, _ int) {
			if _, ok := f.store.ClearGeneration(gen); ok {
				f.terminated.Add(1)
			}
		},
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "http://api.test/processes", nil)
	require.NoError(t, err)
	resp, err := gate.RoundTrip(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Zero(t, f.terminated.Load())
	snap, ok := f.store.Load()
	require.True(t, ok)
	assert.Equal(t, "sid-2", snap.SessionID)
}

func TestReloginDuringRefreshSendsWithNewSession(t *testing.T) {
	f := newFixture(t, nil)
	eval, err := jwt.NewEvaluator(jwt.EvaluatorConfig{})
	require.NoError(t, err)

	second := f.token(t, time.Hour)
	refreshed := f.token(t, 2*time.Hour)
	entered := make(chan struct{})
	release := make(chan struct{})
	coord, err := refresh.NewCoordinator(f.store, eval, refresh.RefresherFunc(func(context.Context, string) (refresh.Result, error) {
		close(entered)
		<-release
		return refresh.Result{Access: refreshed}, nil
	}), refresh.Options{Margin: 5 * time.Second, Timeout: 5 * time.Second})
	require.NoError(t, err)

	routes := permission.NewRoutes()
	routes.Freeze()
	gate, err := NewTransport(Options{
		Base:      f.rec.transport(),
		Store:     f.store,
		Evaluator: eval,
		Margin:    5 * time.Second,
		Refresher: coord,
		Routes:    routes,
	})
	require.NoError(t, err)

	_, err = f.store.Establish(session.Pair{Access: f.token(t, time.Second), Refresh: "r1"}, "sid-1")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, "http://api.test/processes", nil)
		resp, err := gate.RoundTrip(req)
		if err == nil {
			_ = resp.Body.Close()
		}
		done <- err
	}()

	<-entered
	_, err = f.store.Establish(session.Pair{Access: second, Refresh: "r2"}, "sid-2")
	require.NoError(t, err)
	close(release)

	require.NoError(t, <-done)
	assert.Equal(t, "Bearer "+second, f.rec.last(t).Header.Get("Authorization"))
	snap, ok := f.store.Load()
	require.True(t, ok)
	assert.Equal(t, second, snap.Pair.Access, "stale refresh result must not overwrite the new session")
}

func TestLogoutDuringRefreshSendsWithoutCredential(t *testing.T) {
	var f *fixture
	f = newFixture(t, func(context.Context) (string, error) {
		f.store.Clear()
		return "", session.ErrNoSession
	})
	f.rec.status = http.StatusUnauthorized
	_, err := f.store.Establish(session.Pair{Access: f.token(t, -time.Minute), Refresh: "r1"}, "sid")
	require.NoError(t, err)

	resp, err := f.do(t, http.MethodGet, "http://api.test/processes")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, f.rec.last(t).Header.Get("Authorization"))
	assert.Equal(t, int64(1), f.observer.unauth.Load())
	assert.Zero(t, f.terminated.Load())
}

func TestRepeatedStaleRefreshGivesUp(t *testing.T) {
	var f *fixture
	f = newFixture(t, func(context.Context) (string, error) {
		// Every attempt finds yet another expiring session.
		if _, err := f.store.Establish(session.Pair{Access: f.token(t, -time.Minute), Refresh: "rN"}, "sid-n"); err != nil {
			return "", err
		}
		return "", session.ErrStaleGeneration
	})
	_, err := f.store.Establish(session.Pair{Access: f.token(t, -time.Minute), Refresh: "r1"}, "sid")
	require.NoError(t, err)

	_, err = f.do(t, http.MethodGet, "http://api.test/processes")
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.refreshes.Load())
	assert.Empty(t, f.rec.last(t).Header.Get("Authorization"))
}
