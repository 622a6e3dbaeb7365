package goAuthClient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	internalaudit "github.com/MrEthical07/goAuthClient/internal/audit"
	"github.com/MrEthical07/goAuthClient/jwt"
	"github.com/MrEthical07/goAuthClient/middleware"
	"github.com/MrEthical07/goAuthClient/permission"
	"github.com/MrEthical07/goAuthClient/refresh"
	"github.com/MrEthical07/goAuthClient/session"
	"github.com/MrEthical07/goAuthClient/session/awssecrets"
)

// Builder assembles a [Client].
//
// Builder instances are intended to be configured during initialization and
// then discarded. A Builder can build exactly one Client.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	baseTransport http.RoundTripper
	refresher     refresh.Refresher
	persister     session.Persister
	logger        *zap.Logger
	auditSink     AuditSink
	onTerminate   TerminationHandler
	now           func() time.Time

	metricsSet bool
	latencySet bool
	metricsOn  bool
	latencyOn  bool

	built bool
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration. cfg is copied.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithBaseTransport sets the round tripper that performs network calls,
// both for API calls and for the refresh exchange.
func (b *Builder) WithBaseTransport(rt http.RoundTripper) *Builder {
	b.baseTransport = rt
	return b
}

// WithRefresher overrides the refresher selected by Config.Refresh.Mode.
func (b *Builder) WithRefresher(r refresh.Refresher) *Builder {
	b.refresher = r
	return b
}

// WithPersister overrides the persister selected by Config.Persist.Backend.
func (b *Builder) WithPersister(p session.Persister) *Builder {
	b.persister = p
	return b
}

// WithRedis supplies the Redis client used by the "redis" persist backend.
// Without it Build dials Config.Persist.RedisAddr itself.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithLogger sets the structured logger. The default discards everything.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithAuditSink sets the audit sink. It only receives events when
// Config.Audit.Enabled is true.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithTerminationHandler registers the callback invoked once per session
// that ends through a refresh failure or a rejected protected call.
func (b *Builder) WithTerminationHandler(h TerminationHandler) *Builder {
	b.onTerminate = h
	return b
}

// WithClock replaces the time source used for expiry decisions. Intended for
// tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithMetricsEnabled overrides Config.Metrics.Enabled.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.metricsSet = true
	b.metricsOn = enabled
	return b
}

// WithLatencyHistograms overrides Config.Metrics.EnableLatencyHistograms.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.latencySet = true
	b.latencyOn = enabled
	return b
}

// Build validates the configuration and wires the client.
//
// Build performs I/O only for the "awssecrets" backend, which loads the AWS
// configuration chain. It never contacts the API.
func (b *Builder) Build() (*Client, error) {
	if b.built {
		return nil, ErrBuilderUsed
	}

	cfg := cloneConfig(b.config)
	if b.metricsSet {
		cfg.Metrics.Enabled = b.metricsOn
	}
	if b.latencySet {
		cfg.Metrics.EnableLatencyHistograms = b.latencyOn
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, _ := url.Parse(cfg.BaseURL)

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := b.now
	if now == nil {
		now = time.Now
	}

	evaluator, err := jwt.NewEvaluator(jwt.EvaluatorConfig{
		SigningMethod: jwt.SigningMethod(cfg.Expiry.SigningMethod),
		Key:           []byte(cfg.Expiry.VerifyKey),
	})
	if err != nil {
		return nil, fmt.Errorf("expiry evaluator: %w", err)
	}
	evaluator.WithClock(now)

	routes, err := buildRoutes(cfg.Routes, base)
	if err != nil {
		return nil, err
	}

	rt := b.baseTransport
	if rt == nil {
		rt = defaultTransport(cfg.Transport)
	}

	refresher := b.refresher
	if refresher == nil {
		refresher, err = buildRefresher(cfg, rt)
		if err != nil {
			return nil, err
		}
	}

	c := &Client{
		config:      cfg,
		base:        base,
		logger:      logger.Named("goauthclient"),
		store:       session.NewStore().WithClock(now),
		evaluator:   evaluator,
		routes:      routes,
		metrics:     NewMetrics(cfg.Metrics),
		onTerminate: b.onTerminate,
		now:         now,
	}

	c.persister = b.persister
	if c.persister == nil {
		c.persister, c.ownedRedis, err = b.buildPersister(cfg.Persist)
		if err != nil {
			return nil, err
		}
	}

	c.audit = internalaudit.NewDispatcher(internalaudit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
		OnDrop:     c.auditDropped,
	}, b.auditSink)

	obs := clientObserver{metricsObserver: metricsObserver{m: c.metrics}, c: c}

	c.coordinator, err = refresh.NewCoordinator(c.store, evaluator, refresher, refresh.Options{
		Margin:    cfg.Expiry.Margin,
		Timeout:   cfg.Refresh.Timeout,
		Logger:    c.logger,
		Observer:  obs,
		Persist:   c.persist,
		Terminate: c.terminateRefresh,
	})
	if err != nil {
		c.closeOwned()
		return nil, err
	}

	c.transport, err = middleware.NewTransport(middleware.Options{
		Base:           rt,
		Store:          c.store,
		Evaluator:      evaluator,
		Margin:         cfg.Expiry.Margin,
		Refresher:      c.coordinator,
		Routes:         routes,
		RejectStatuses: cfg.Routes.RejectStatuses,
		Terminate:      c.terminateRejected,
		Observer:       obs,
		Logger:         c.logger,
	})
	if err != nil {
		c.closeOwned()
		return nil, err
	}

	c.rejectStatuses = make(map[int]struct{}, len(cfg.Routes.RejectStatuses))
	for _, s := range cfg.Routes.RejectStatuses {
		c.rejectStatuses[s] = struct{}{}
	}
	if len(c.rejectStatuses) == 0 {
		c.rejectStatuses[http.StatusUnauthorized] = struct{}{}
	}

	c.httpClient = &http.Client{
		Transport: c.transport,
		Timeout:   cfg.Transport.Timeout,
	}

	b.built = true
	return c, nil
}

// buildRoutes anchors the public patterns under the base URL path and, when
// configured, limits credential handling to the base URL host.
func buildRoutes(cfg RoutesConfig, base *url.URL) (*permission.Routes, error) {
	routes := permission.NewRoutes()
	prefix := strings.TrimRight(base.Path, "/")
	for _, p := range cfg.Public {
		if err := routes.Register(anchorPattern(prefix, p)); err != nil {
			return nil, fmt.Errorf("public route %q: %w", p, err)
		}
	}
	if cfg.ManageBaseHostOnly {
		if err := routes.ManageHost(base.Host); err != nil {
			return nil, err
		}
	}
	routes.Freeze()
	return routes, nil
}

func anchorPattern(prefix, pattern string) string {
	if prefix == "" {
		return pattern
	}
	method, p := "", strings.TrimSpace(pattern)
	if i := strings.IndexByte(p, ' '); i > 0 && !strings.HasPrefix(p, "/") {
		method, p = p[:i+1], strings.TrimSpace(p[i+1:])
	}
	return method + path.Join(prefix, p)
}

func defaultTransport(cfg TransportConfig) http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.MaxIdleConnsPerHost > 0 {
		t.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	}
	return t
}

func buildRefresher(cfg Config, rt http.RoundTripper) (refresh.Refresher, error) {
	// The refresh call goes straight to the network, never through the gate.
	client := &http.Client{Transport: rt}

	switch cfg.Refresh.Mode {
	case RefreshModeOAuth2:
		return refresh.NewOAuth2Refresher(&oauth2.Config{
			ClientID:     cfg.Refresh.OAuth2.ClientID,
			ClientSecret: cfg.Refresh.OAuth2.ClientSecret,
			Scopes:       cloneStrings(cfg.Refresh.OAuth2.Scopes),
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.Refresh.OAuth2.TokenURL},
		}, client)
	default:
		return refresh.NewHTTPRefresher(strings.TrimRight(cfg.BaseURL, "/"), cfg.Refresh.Path, client)
	}
}

func (b *Builder) buildPersister(cfg PersistConfig) (session.Persister, redis.UniversalClient, error) {
	switch cfg.Backend {
	case PersistNone:
		return nil, nil, nil
	case PersistRedis:
		client, owned := b.redis, redis.UniversalClient(nil)
		if client == nil {
			if cfg.RedisAddr == "" {
				return nil, nil, fmt.Errorf("redis persist backend needs WithRedis or Persist RedisAddr")
			}
			client = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			owned = client
		}
		return session.NewRedisPersister(client, cfg.RedisPrefix, cfg.Name, cfg.TTL), owned, nil
	case PersistAWSSecrets:
		p, err := awssecrets.New(context.Background(), awssecrets.Options{
			Region:     cfg.AWSRegion,
			Endpoint:   cfg.AWSEndpoint,
			SecretName: cfg.AWSSecret,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("awssecrets persister: %w", err)
		}
		return p, nil, nil
	default:
		return session.NewMemoryPersister(), nil, nil
	}
}
