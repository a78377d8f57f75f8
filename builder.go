package authflow

import (
	"context"
	"errors"
	"time"

	"github.com/nub-live/authflow/challenge"
	"github.com/nub-live/authflow/internal"
	internalflows "github.com/nub-live/authflow/internal/flows"
	"github.com/nub-live/authflow/internal/rate"
	"github.com/nub-live/authflow/internal/stores"
	"github.com/nub-live/authflow/session"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultMountID is the element id the challenge widget renders into when
// no mount is supplied.
const DefaultMountID = "recaptcha-container"

// Builder assembles an Engine. A Builder is single use.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	platform  IdentityPlatform
	provider  challenge.Provider
	mount     challenge.Mount
	route     RouteSignal
	session   *session.Context
	auditSink AuditSink
	logger    zerolog.Logger
	flowKey   string

	built bool
}

// New returns a Builder with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
		logger: zerolog.Nop(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client backing the pending confirmation store and the
// resend throttle. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithPlatform sets the identity platform. Required.
func (b *Builder) WithPlatform(p IdentityPlatform) *Builder {
	b.platform = p
	return b
}

// WithChallenge sets the challenge provider and the mount its widget
// renders into. A nil mount gets a BufferMount named DefaultMountID.
func (b *Builder) WithChallenge(provider challenge.Provider, mount challenge.Mount) *Builder {
	b.provider = provider
	b.mount = mount
	return b
}

func (b *Builder) WithRoute(r RouteSignal) *Builder {
	b.route = r
	return b
}

// WithSession shares an existing session context, e.g. with a second
// page's observer.
func (b *Builder) WithSession(s *session.Context) *Builder {
	b.session = s
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithLogger(l zerolog.Logger) *Builder {
	b.logger = l
	return b
}

// WithFlowKey fixes the page-visit key instead of generating one.
func (b *Builder) WithFlowKey(key string) *Builder {
	b.flowKey = key
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the engine. The observer is
// started and the engine subscribes to the platform's auth state; call
// Engine.Close to release both.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.platform == nil {
		return nil, errors.New("identity platform required")
	}
	if b.provider == nil {
		return nil, errors.New("challenge provider required")
	}

	mount := b.mount
	if mount == nil {
		mount = challenge.NewBufferMount(DefaultMountID)
	}
	route := b.route
	if route == nil {
		route = NewMemoryRoute(cfg.Observer.AuthRoute)
	}
	sess := b.session
	if sess == nil {
		sess = session.NewContext()
	}
	flowKey := b.flowKey
	if flowKey == "" {
		id, err := internal.NewFlowID()
		if err != nil {
			return nil, err
		}
		flowKey = id.String()
	}
	log := b.logger.With().Str("component", "authflow").Str("flow_key", flowKey).Logger()

	engine := &Engine{
		config:   cloneConfig(cfg),
		platform: b.platform,
		route:    route,
		session:  sess,
		log:      log,
		flowKey:  flowKey,
		now:      time.Now,
	}

	engine.pending = stores.NewPendingOTPStore(b.redis, cfg.Flow.RedisPrefix)
	engine.limiter = rate.New(b.redis, rate.Config{
		Enabled:      cfg.Throttle.Enabled,
		MaxPerWindow: cfg.Throttle.MaxPerWindow,
		Window:       cfg.Throttle.Window,
		Prefix:       cfg.Throttle.RedisPrefix,
	})
	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink, log)
	engine.metrics = NewMetrics(cfg.Metrics)

	challengeLog := log.With().Str("component", "challenge").Logger()
	engine.challenge = challenge.NewManager(b.provider, mount, challenge.Config{
		SettleDelay: cfg.Challenge.SettleDelay,
		Size:        cfg.Challenge.Size,
	},
		challenge.WithLogger(challengeLog),
		challenge.WithErrorSink(engine.reportChallengeError),
		challenge.WithTransitionHook(func(from, to challenge.State) {
			challengeLog.Debug().Str("from", from.String()).Str("to", to.String()).Msg("challenge state")
		}),
	)

	engine.flows = internalflows.New(engine.flowDeps())

	engine.observer = NewObserver(cfg.Observer, sess, b.platform, route,
		WithObserverLogger(log.With().Str("component", "observer").Logger()),
		WithRedirectSuppressor(engine.linkPending),
	)
	engine.observer.metricInc = engine.metricInc
	engine.observer.emitAudit = engine.emitAudit
	engine.observer.Start(context.Background())

	engine.unsubscribe = b.platform.OnAuthStateChanged(sess.Update)

	b.built = true

	return engine, nil
}
