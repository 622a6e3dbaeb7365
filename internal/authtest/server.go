// Package authtest is an in-process auth server for tests, the storm tool and
// examples/admin-client. It issues short-lived HS256 access tokens and opaque refresh
// tokens, and exposes switches to make refreshes slow, rejected or failing.
package authtest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/MrEthical07/goAuthClient/jwt"
)

// Paths served by [Server].
const (
	LoginPath   = "/auth/login"
	RefreshPath = "/auth/refresh"
	TokenPath   = "/oauth/token"
)

// Options configures a [Server].
type Options struct {
	// AccessTTL is the lifetime of minted access tokens. Default 1m.
	AccessTTL time.Duration
	// Secret is the HS256 signing secret. Default "authtest-secret".
	Secret []byte
	// Password, when set, is the only accepted login password.
	Password string
	// Rotate issues a new refresh token on every refresh and invalidates the
	// old one.
	Rotate bool
	// Now replaces the server clock.
	Now func() time.Time
}

type sessionState struct {
	subject string
	hash    [32]byte
	revoked bool
}

// Server is an http.Handler implementing login, JSON refresh, an OAuth2
// token endpoint and bearer-protected routes.
type Server struct {
	manager *jwt.Manager
	secret  []byte
	opts    Options
	mux     *http.ServeMux

	// passwordHash is the argon2id PHC string of Options.Password.
	passwordHash string

	mu       sync.Mutex
	sessions map[string]*sessionState

	logins      atomic.Int64
	refreshes   atomic.Int64
	rejections  atomic.Int64
	latency     atomic.Int64
	failStatus  atomic.Int64
	rejectAll   atomic.Bool
	rotate      atomic.Bool
	accessTTLns atomic.Int64
}

// New returns a Server. Register protected handlers with Handle before use.
func New(opts Options) (*Server, error) {
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = time.Minute
	}
	if len(opts.Secret) == 0 {
		opts.Secret = []byte("authtest-secret")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	manager, err := jwt.NewManager(jwt.Config{
		AccessTTL:     opts.AccessTTL,
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    opts.Secret,
		Issuer:        "authtest",
	})
	if err != nil {
		return nil, err
	}
	manager.WithClock(opts.Now)

	s := &Server{
		manager:  manager,
		secret:   append([]byte(nil), opts.Secret...),
		opts:     opts,
		mux:      http.NewServeMux(),
		sessions: make(map[string]*sessionState),
	}
	if opts.Password != "" {
		if s.passwordHash, err = hashPassword(opts.Password); err != nil {
			return nil, err
		}
		s.opts.Password = ""
	}
	s.rotate.Store(opts.Rotate)
	s.accessTTLns.Store(int64(opts.AccessTTL))

	s.mux.HandleFunc("POST "+LoginPath, s.handleLogin)
	s.mux.HandleFunc("POST "+RefreshPath, s.handleRefresh)
	s.mux.HandleFunc("POST "+TokenPath, s.handleToken)
	return s, nil
}

// Start serves s on a loopback httptest server.
func (s *Server) Start() *httptest.Server {
	return httptest.NewServer(s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Handle registers h behind bearer authentication. pattern follows
// http.ServeMux syntax.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, s.Protect(h))
}

// Protect rejects requests without a valid, unexpired bearer token for a
// live session with 401.
func (s *Server) Protect(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			s.reject(w)
			return
		}
		claims, err := s.verify(raw)
		if err != nil || !s.live(claims.SID) {
			s.reject(w)
			return
		}
		h.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, claims.Subject)))
	})
}

type subjectKey struct{}

// Subject returns the authenticated subject inside a protected handler.
func Subject(ctx context.Context) string {
	sub, _ := ctx.Value(subjectKey{}).(string)
	return sub
}

/*
====================================
SWITCHES AND COUNTERS
====================================
*/

// SetLatency delays every refresh by d.
func (s *Server) SetLatency(d time.Duration) { s.latency.Store(int64(d)) }

// SetRejectRefresh makes every refresh answer 401.
func (s *Server) SetRejectRefresh(reject bool) { s.rejectAll.Store(reject) }

// SetFailStatus makes every refresh answer status; 0 restores normal service.
func (s *Server) SetFailStatus(status int) { s.failStatus.Store(int64(status)) }

// SetRotate toggles refresh token rotation.
func (s *Server) SetRotate(rotate bool) { s.rotate.Store(rotate) }

// SetAccessTTL changes the lifetime of tokens minted from now on. A
// non-positive ttl mints already expired tokens.
func (s *Server) SetAccessTTL(ttl time.Duration) { s.accessTTLns.Store(int64(ttl)) }

// Logins returns the number of successful logins.
func (s *Server) Logins() int64 { return s.logins.Load() }

// Refreshes returns the number of refresh requests received, successful or not.
func (s *Server) Refreshes() int64 { return s.refreshes.Load() }

// Rejections returns the number of protected requests answered with 401.
func (s *Server) Rejections() int64 { return s.rejections.Load() }

// RevokeAll revokes every session. Outstanding access tokens stop working.
func (s *Server) RevokeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.sessions {
		st.revoked = true
	}
}

/*
====================================
ISSUANCE
====================================
*/

// TokenPair is the JSON body of login and refresh responses.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Login issues a pair for subject without going through HTTP.
func (s *Server) Login(subject string) (TokenPair, error) {
	return s.issue(subject, time.Duration(s.accessTTLns.Load()))
}

// LoginWithTTL issues a pair whose access token expires after ttl.
func (s *Server) LoginWithTTL(subject string, ttl time.Duration) (TokenPair, error) {
	return s.issue(subject, ttl)
}

func (s *Server) issue(subject string, ttl time.Duration) (TokenPair, error) {
	sid, err := newSessionID()
	if err != nil {
		return TokenPair{}, err
	}
	secret, err := newRefreshSecret()
	if err != nil {
		return TokenPair{}, err
	}
	access, err := s.manager.CreateAccessWithTTL(subject, sid.String(), ttl)
	if err != nil {
		return TokenPair{}, err
	}

	s.mu.Lock()
	s.sessions[sid.String()] = &sessionState{subject: subject, hash: hashRefreshSecret(secret)}
	s.mu.Unlock()

	s.logins.Add(1)
	return TokenPair{AccessToken: access, RefreshToken: encodeRefreshToken(sid, secret)}, nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if s.passwordHash != "" {
		ok, err := verifyPassword(req.Password, s.passwordHash)
		if err != nil || !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_credentials"})
			return
		}
	}

	pair, err := s.Login(req.Username)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

/*
====================================
REFRESH
====================================
*/

var errInvalidGrant = errors.New("invalid_grant")

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	pair, status, err := s.exchange(r.Context(), req.RefreshToken)
	if err != nil {
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// handleToken implements the refresh_token grant of RFC 6749.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "refresh_token" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	pair, status, err := s.exchange(r.Context(), r.PostForm.Get("refresh_token"))
	if err != nil {
		if status == http.StatusUnauthorized {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  pair.AccessToken,
		"token_type":    "Bearer",
		"expires_in":    int(time.Duration(s.accessTTLns.Load()).Seconds()),
		"refresh_token": pair.RefreshToken,
	})
}

func (s *Server) exchange(ctx context.Context, refreshToken string) (TokenPair, int, error) {
	s.refreshes.Add(1)

	if d := time.Duration(s.latency.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return TokenPair{}, http.StatusServiceUnavailable, ctx.Err()
		}
	}
	if status := int(s.failStatus.Load()); status != 0 {
		return TokenPair{}, status, errors.New("server_error")
	}
	if s.rejectAll.Load() {
		return TokenPair{}, http.StatusUnauthorized, errInvalidGrant
	}

	sid, secret, err := decodeRefreshToken(refreshToken)
	if err != nil {
		return TokenPair{}, http.StatusUnauthorized, errInvalidGrant
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[sid.String()]
	if !ok || st.revoked {
		return TokenPair{}, http.StatusUnauthorized, errInvalidGrant
	}
	hash := hashRefreshSecret(secret)
	if subtle.ConstantTimeCompare(hash[:], st.hash[:]) != 1 {
		// Reuse of a rotated token revokes the session.
		st.revoked = true
		return TokenPair{}, http.StatusUnauthorized, errInvalidGrant
	}

	access, err := s.manager.CreateAccessWithTTL(st.subject, sid.String(), time.Duration(s.accessTTLns.Load()))
	if err != nil {
		return TokenPair{}, http.StatusInternalServerError, errors.New("server_error")
	}
	out := TokenPair{AccessToken: access}
	if s.rotate.Load() {
		next, err := newRefreshSecret()
		if err != nil {
			return TokenPair{}, http.StatusInternalServerError, errors.New("server_error")
		}
		st.hash = hashRefreshSecret(next)
		out.RefreshToken = encodeRefreshToken(sid, next)
	}
	return out, http.StatusOK, nil
}

/*
====================================
VERIFICATION
====================================
*/

func (s *Server) verify(raw string) (*jwt.AccessClaims, error) {
	claims := &jwt.AccessClaims{}
	parser := gojwt.NewParser(
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithTimeFunc(s.opts.Now),
		gojwt.WithExpirationRequired(),
	)
	_, err := parser.ParseWithClaims(raw, claims, func(*gojwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Server) live(sid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sid]
	return ok && !st.revoked
}

func (s *Server) reject(w http.ResponseWriter) {
	s.rejections.Add(1)
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
