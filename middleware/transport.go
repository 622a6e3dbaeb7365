package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MrEthical07/goAuthClient/jwt"
	"github.com/MrEthical07/goAuthClient/refresh"
	"github.com/MrEthical07/goAuthClient/session"
)

// RequestIDHeader is set on every protected call that does not carry one.
// Public calls are forwarded as they are.
const RequestIDHeader = "X-Request-ID"

// Classifier decides whether a call is public. *permission.Routes satisfies it.
type Classifier interface {
	IsPublic(method string, u *url.URL) bool
}

// Refresher supplies a usable access token. *refresh.Coordinator satisfies it.
type Refresher interface {
	EnsureFreshAccess(ctx context.Context) (string, error)
}

// Observer receives per-call notifications for metrics.
type Observer interface {
	PublicRequest()
	ProtectedRequest()
	UnauthenticatedRequest()
	TokenAttached()
	AuthRejected()
}

// Options configures a [Transport].
type Options struct {
	// Base performs the network call. nil means http.DefaultTransport.
	Base      http.RoundTripper
	Store     *session.Store
	Evaluator *jwt.Evaluator
	Margin    time.Duration
	Refresher Refresher
	Routes    Classifier
	// RejectStatuses are the statuses that terminate the session on a
	// protected call. Empty means {401}.
	RejectStatuses []int
	// Terminate is called with the generation the rejected call was sent
	// for and the status it received. It must be idempotent.
	Terminate func(ctx context.Context, generation uint64, status int)
	Observer  Observer
	Logger    *zap.Logger
}

// Transport is the request and response gate.
type Transport struct {
	base      http.RoundTripper
	store     *session.Store
	evaluator *jwt.Evaluator
	margin    time.Duration
	refresher Refresher
	routes    Classifier
	reject    map[int]struct{}
	terminate func(ctx context.Context, generation uint64, status int)
	observer  Observer
	logger    *zap.Logger
}

// NewTransport validates opts and returns a Transport.
func NewTransport(opts Options) (*Transport, error) {
	if opts.Store == nil {
		return nil, errors.New("middleware: store is nil")
	}
	if opts.Evaluator == nil {
		return nil, errors.New("middleware: evaluator is nil")
	}
	if opts.Refresher == nil {
		return nil, errors.New("middleware: refresher is nil")
	}
	if opts.Routes == nil {
		return nil, errors.New("middleware: routes are nil")
	}
	if opts.Margin < 0 {
		return nil, errors.New("middleware: margin must be >= 0")
	}

	base := opts.Base
	if base == nil {
		base = http.DefaultTransport
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	statuses := opts.RejectStatuses
	if len(statuses) == 0 {
		statuses = []int{http.StatusUnauthorized}
	}
	reject := make(map[int]struct{}, len(statuses))
	for _, s := range statuses {
		if s < 400 || s > 599 {
			return nil, errors.New("middleware: reject status must be 4xx or 5xx")
		}
		reject[s] = struct{}{}
	}

	return &Transport{
		base:      base,
		store:     opts.Store,
		evaluator: opts.Evaluator,
		margin:    opts.Margin,
		refresher: opts.Refresher,
		routes:    opts.Routes,
		reject:    reject,
		terminate: opts.Terminate,
		observer:  opts.Observer,
		logger:    logger,
	}, nil
}

// RoundTrip implements [http.RoundTripper].
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.routes.IsPublic(req.Method, req.URL) {
		t.notify(Observer.PublicRequest)
		return t.base.RoundTrip(req)
	}
	t.notify(Observer.ProtectedRequest)

	ctx := req.Context()
	out := req.Clone(ctx)
	if out.Header.Get(RequestIDHeader) == "" {
		out.Header.Set(RequestIDHeader, uuid.NewString())
	}

	access, gen, ok, err := t.credential(ctx)
	if err != nil {
		closeBody(req)
		return nil, err
	}

	if !ok {
		t.notify(Observer.UnauthenticatedRequest)
		return t.base.RoundTrip(out)
	}

	out.Header.Set("Authorization", "Bearer "+access)
	t.notify(Observer.TokenAttached)

	resp, err := t.base.RoundTrip(out)
	if err != nil || resp == nil {
		return resp, err
	}
	if _, rejected := t.reject[resp.StatusCode]; rejected {
		t.notify(Observer.AuthRejected)
		t.logger.Warn("protected call rejected",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Int("status", resp.StatusCode),
			zap.String("request_id", out.Header.Get(RequestIDHeader)),
		)
		if t.terminate != nil {
			t.terminate(context.WithoutCancel(ctx), gen, resp.StatusCode)
		}
	}
	return resp, nil
}

// credential returns the access token to attach and the generation it
// belongs to. ok is false when there is no session to send.
//
// A refresh whose session was replaced or cleared while in flight is not a
// call failure: the store is read again and the call goes out with whatever
// session it holds now. The newer session gets one refresh attempt of its own.
func (t *Transport) credential(ctx context.Context) (access string, gen uint64, ok bool, err error) {
	access, gen, ok = t.store.Access()
	for attempt := 0; ok && !t.evaluator.IsUsable(access, t.margin); attempt++ {
		fresh, rerr := t.refresher.EnsureFreshAccess(ctx)
		switch {
		case rerr == nil:
			if cur, curGen, present := t.store.Access(); present && cur == fresh {
				gen = curGen
			}
			return fresh, gen, true, nil
		case errors.Is(rerr, refresh.ErrNotAuthenticated):
			return "", 0, false, nil
		case errors.Is(rerr, session.ErrStaleGeneration), errors.Is(rerr, session.ErrNoSession):
			if attempt > 0 {
				return "", 0, false, nil
			}
			access, gen, ok = t.store.Access()
		default:
			return "", 0, false, rerr
		}
	}
	return access, gen, ok, nil
}

func (t *Transport) notify(fn func(Observer)) {
	if t.observer != nil {
		fn(t.observer)
	}
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}
