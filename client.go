package goAuthClient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	internalaudit "github.com/MrEthical07/goAuthClient/internal/audit"
	"github.com/MrEthical07/goAuthClient/jwt"
	"github.com/MrEthical07/goAuthClient/middleware"
	"github.com/MrEthical07/goAuthClient/permission"
	"github.com/MrEthical07/goAuthClient/refresh"
	"github.com/MrEthical07/goAuthClient/session"
)

const maxErrorBody = 4 << 10

// Client is an authenticated API client. It owns one credential store and
// keeps its access token fresh across any number of concurrent calls.
//
// Client methods are safe for concurrent use.
type Client struct {
	config Config
	base   *url.URL
	logger *zap.Logger

	store       *session.Store
	evaluator   *jwt.Evaluator
	coordinator *refresh.Coordinator
	routes      *permission.Routes
	transport   *middleware.Transport
	httpClient  *http.Client

	rejectStatuses map[int]struct{}

	persister  session.Persister
	ownedRedis redis.UniversalClient

	audit       *internalaudit.Dispatcher
	metrics     *Metrics
	onTerminate TerminationHandler
	now         func() time.Time

	// seqMu orders write-through saves and deletions.
	seqMu   sync.Mutex
	lastSeq uint64

	closed atomic.Bool
}

/*
====================================
SESSION LIFECYCLE
====================================
*/

// Establish installs a new credential pair, replacing any current session.
// It is the only way, besides Restore, to move from unauthenticated to
// authenticated.
func (c *Client) Establish(ctx context.Context, pair Pair) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	snap, err := c.store.Establish(pair, uuid.NewString())
	if err != nil {
		return err
	}

	c.metrics.Inc(MetricSessionEstablished)
	c.logger.Info("session established",
		zap.String("session_id", snap.SessionID),
		zap.Uint64("generation", snap.Generation),
	)
	c.emitAudit(ctx, AuditSessionEstablished, snap.SessionID, "", true, nil)
	c.persist(ctx, snap)
	return nil
}

// Restore loads a persisted session into the empty store. It reports whether
// a session is present afterwards. A live session is never overwritten.
func (c *Client) Restore(ctx context.Context) (bool, error) {
	if c.closed.Load() {
		return false, ErrClientClosed
	}
	if c.store.Authenticated() {
		return true, nil
	}
	if c.persister == nil {
		return false, nil
	}

	rec, ok, err := c.persister.Load(ctx)
	if err != nil {
		c.metrics.Inc(MetricPersistFailure)
		return false, fmt.Errorf("restore session: %w", err)
	}
	if !ok || !rec.Pair.Complete() {
		return false, nil
	}

	c.seqMu.Lock()
	if rec.Seq > c.lastSeq {
		c.lastSeq = rec.Seq
	}
	c.seqMu.Unlock()

	sessionID := rec.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	snap, err := c.store.Establish(rec.Pair, sessionID)
	if err != nil {
		return false, err
	}

	c.metrics.Inc(MetricSessionRestored)
	c.logger.Info("session restored",
		zap.String("session_id", snap.SessionID),
		zap.Time("saved_at", rec.SavedAt),
	)
	c.emitAudit(ctx, AuditSessionRestored, snap.SessionID, "", true, nil)
	return true, nil
}

// Logout clears the current session and deletes its persisted copy. The
// termination handler is not called. Logging out without a session is a
// no-op.
func (c *Client) Logout(ctx context.Context) error {
	snap, ok := c.store.Clear()
	if !ok {
		return nil
	}

	c.metrics.Inc(MetricLogout)
	c.logger.Info("session logged out", zap.String("session_id", snap.SessionID))
	c.emitAudit(ctx, AuditLogout, snap.SessionID, "", true, nil)

	if err := c.deletePersisted(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// State reports whether a credential pair is present.
func (c *Client) State() SessionState {
	if c.store.Authenticated() {
		return StateAuthenticated
	}
	return StateUnauthenticated
}

// RefreshState reports the refresh coordinator state for the current session.
func (c *Client) RefreshState() RefreshState {
	return c.coordinator.State()
}

// EnsureFreshAccess returns a usable access token, refreshing it first when
// it is within the expiry margin. Concurrent callers share one refresh.
func (c *Client) EnsureFreshAccess(ctx context.Context) (string, error) {
	if c.closed.Load() {
		return "", ErrClientClosed
	}
	return c.coordinator.EnsureFreshAccess(ctx)
}

/*
====================================
HTTP SURFACE
====================================
*/

// HTTPClient returns the gated client. Protected calls made through it carry
// a fresh access token; rejected ones terminate the session.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Transport returns the gated round tripper for use in other http.Clients.
func (c *Client) Transport() http.RoundTripper {
	return c.transport
}

// NewRequest builds a request for ref resolved against the base URL. A
// request ID from [WithRequestID] is copied into the X-Request-ID header.
func (c *Client) NewRequest(ctx context.Context, method, ref string, body io.Reader) (*http.Request, error) {
	u, err := c.resolve(ref)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if ua := c.config.Transport.UserAgent; ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	if id := requestIDFromContext(ctx); id != "" {
		req.Header.Set(requestIDHeader, id)
	}
	return req, nil
}

// Do sends req through the gate. 2xx and 3xx responses are returned as is.
// Other statuses are returned as an [*APIError] after the body is closed;
// for protected calls with a rejecting status the error wraps
// [ErrAuthRejected]. Network errors pass through unchanged.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{
		Status: resp.StatusCode,
		Method: req.Method,
		Path:   req.URL.Path,
		Body:   body,
	}
	if _, reject := c.rejectStatuses[resp.StatusCode]; reject && !c.routes.IsPublic(req.Method, req.URL) {
		apiErr.rejected = true
	}
	return nil, apiErr
}

// DoJSON sends in (when non-nil) as a JSON body and decodes the response
// into out (when non-nil).
func (c *Client) DoJSON(ctx context.Context, method, ref string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := c.NewRequest(ctx, method, ref, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	if u.IsAbs() {
		return u, nil
	}
	out := *c.base
	out.Path = strings.TrimRight(c.base.Path, "/") + "/" + strings.TrimLeft(u.Path, "/")
	out.RawPath = ""
	out.RawQuery = u.RawQuery
	return &out, nil
}

/*
====================================
OBSERVABILITY
====================================
*/

// MetricsSnapshot returns a point-in-time copy of the client metrics.
func (c *Client) MetricsSnapshot() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// PersistLatency measures a round-trip to the persistence backend. ok is
// false when the backend has nothing to reach over the network.
func (c *Client) PersistLatency(ctx context.Context) (d time.Duration, ok bool, err error) {
	if c.closed.Load() {
		return 0, false, ErrClientClosed
	}
	p, ok := c.persister.(interface {
		Ping(context.Context) (time.Duration, error)
	})
	if !ok {
		return 0, false, nil
	}
	d, err = p.Ping(ctx)
	return d, true, err
}

// AuditDropped returns the number of audit events that never reached the
// sink.
func (c *Client) AuditDropped() uint64 {
	return c.audit.Dropped()
}

func (c *Client) auditDropped(ev AuditEvent) {
	c.metrics.Inc(MetricAuditDropped)
	c.logger.Debug("audit event dropped", zap.String("event_type", ev.EventType), zap.String("session_id", ev.SessionID))
}

// Close flushes the audit dispatcher and releases owned connections. The
// credential store and its persisted copy are left as they are.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.audit.Close()
	c.httpClient.CloseIdleConnections()
	return c.closeOwned()
}

func (c *Client) closeOwned() error {
	if c.ownedRedis == nil {
		return nil
	}
	return c.ownedRedis.Close()
}

/*
====================================
TERMINATION AND WRITE-THROUGH
====================================
*/

func (c *Client) terminateRefresh(ctx context.Context, gen uint64, cause error) {
	c.terminate(ctx, gen, TerminationEvent{Reason: ReasonRefreshFailed, Cause: cause})
}

func (c *Client) terminateRejected(ctx context.Context, gen uint64, status int) {
	snap, _ := c.store.Load()
	if snap.Generation == gen {
		c.emitAudit(ctx, AuditAuthRejected, snap.SessionID, string(ReasonAuthRejected), false, map[string]string{
			"status": fmt.Sprint(status),
		})
	}
	c.terminate(ctx, gen, TerminationEvent{Reason: ReasonAuthRejected, Status: status})
}

// terminate ends session gen once. Later calls for the same or an older
// generation only count as deduplicated.
func (c *Client) terminate(ctx context.Context, gen uint64, ev TerminationEvent) {
	snap, ok := c.store.ClearGeneration(gen)
	if !ok {
		c.metrics.Inc(MetricTerminationDeduplicated)
		return
	}
	ev.SessionID = snap.SessionID

	c.metrics.Inc(MetricSessionTerminated)
	fields := []zap.Field{
		zap.String("session_id", snap.SessionID),
		zap.String("reason", string(ev.Reason)),
	}
	if ev.Cause != nil {
		fields = append(fields, zap.Error(ev.Cause))
	}
	if ev.Status != 0 {
		fields = append(fields, zap.Int("status", ev.Status))
	}
	c.logger.Warn("session terminated", fields...)
	c.emitAudit(ctx, AuditSessionTerminated, snap.SessionID, string(ev.Reason), false, nil)

	if err := c.deletePersisted(ctx); err != nil {
		c.logger.Error("persisted session not deleted", zap.String("session_id", snap.SessionID), zap.Error(err))
	}
	if c.onTerminate != nil {
		c.onTerminate(ctx, ev)
	}
}

// persist writes snap through to the persister. Failures are logged and
// counted; the in-memory store stays authoritative.
func (c *Client) persist(ctx context.Context, snap session.Snapshot) {
	if c.persister == nil {
		return
	}

	c.seqMu.Lock()
	// A session that was terminated or replaced meanwhile must not be
	// written back.
	cur, ok := c.store.Load()
	if !ok || cur.Generation != snap.Generation {
		c.seqMu.Unlock()
		return
	}
	seq := c.nextSeqLocked()
	c.seqMu.Unlock()

	err := c.persister.Save(ctx, session.Record{
		Pair:      snap.Pair,
		SessionID: snap.SessionID,
		Seq:       seq,
		SavedAt:   c.now(),
	})
	if err != nil {
		c.metrics.Inc(MetricPersistFailure)
		c.logger.Error("session write-through failed", zap.String("session_id", snap.SessionID), zap.Error(err))
	}
}

func (c *Client) deletePersisted(ctx context.Context) error {
	if c.persister == nil {
		return nil
	}

	c.seqMu.Lock()
	seq := c.nextSeqLocked()
	c.seqMu.Unlock()

	if err := c.persister.Delete(ctx, seq); err != nil {
		c.metrics.Inc(MetricPersistFailure)
		return err
	}
	return nil
}

// nextSeqLocked returns a strictly increasing sequence that also orders
// against records written by earlier processes.
func (c *Client) nextSeqLocked() uint64 {
	seq := uint64(c.now().UnixMicro())
	if seq <= c.lastSeq {
		seq = c.lastSeq + 1
	}
	c.lastSeq = seq
	return seq
}

func (c *Client) emitAudit(ctx context.Context, eventType, sessionID, reason string, success bool, meta map[string]string) {
	if c.audit == nil {
		return
	}
	ev := AuditEvent{
		EventID:   uuid.NewString(),
		Timestamp: c.now(),
		EventType: eventType,
		SessionID: sessionID,
		RequestID: requestIDFromContext(ctx),
		Reason:    reason,
		Success:   success,
		Metadata:  meta,
	}
	c.audit.Emit(ctx, ev)
}

func (c *Client) emitRefreshAudit(err error, elapsed time.Duration) {
	if c.audit == nil {
		return
	}
	snap, _ := c.store.Load()
	ev := AuditEvent{
		EventID:   uuid.NewString(),
		Timestamp: c.now(),
		SessionID: snap.SessionID,
		Success:   err == nil,
		Metadata:  map[string]string{"elapsed": elapsed.String()},
	}
	if err != nil {
		ev.EventType = AuditRefreshFailure
		ev.Error = err.Error()
		if errors.Is(err, refresh.ErrRefreshRejected) {
			ev.Reason = "rejected"
		}
	} else {
		ev.EventType = AuditRefreshSuccess
	}
	c.audit.Emit(context.Background(), ev)
}

// clientObserver adds audit events to the metrics observer.
type clientObserver struct {
	metricsObserver
	c *Client
}

func (o clientObserver) RefreshSettled(err error, elapsed time.Duration) {
	o.metricsObserver.RefreshSettled(err, elapsed)
	o.c.emitRefreshAudit(err, elapsed)
}
