package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/alicebob/miniredis/v2"
	authflow "github.com/nub-live/authflow"
	"github.com/nub-live/authflow/challenge/emulator"
	"github.com/nub-live/authflow/identity/memory"
	"github.com/nub-live/authflow/identity/toolkit"
	"github.com/nub-live/authflow/session"
	"github.com/redis/go-redis/v9"
)

// page selects the observer policy a command runs under.
type page int

const (
	authPage page = iota
	profilePage
)

const settleTimeout = 3 * time.Second

// memoryIdentity is the email the in-process consent signs in as.
var memoryIdentity string

// runtime is one command's engine and the collaborators behind it.
type runtime struct {
	engine  *authflow.Engine
	route   *authflow.MemoryRoute
	landing string

	platform authflow.IdentityPlatform
	memory   *memory.Platform
	toolkit  *toolkit.Client
	store    *session.Store

	redis *redis.Client
	mini  *miniredis.Miniredis
	audit *os.File
}

func openRuntime(ctx context.Context, p page) (*runtime, error) {
	rt := &runtime{}
	if err := rt.openRedis(ctx); err != nil {
		return nil, err
	}
	if err := rt.openPlatform(ctx); err != nil {
		rt.release()
		return nil, err
	}

	cfg := authflow.DefaultConfig()
	if p == profilePage {
		cfg = authflow.ProfilePageConfig()
	}
	cfg.Flow.DefaultCountryCode = settings.CountryCode
	cfg.Audit.Enabled = settings.Audit || settings.AuditFile != ""
	cfg.Metrics.Enabled = true
	cfg.Metrics.EnableLatencyHistograms = true
	rt.landing = cfg.Observer.LandingRoute
	rt.route = authflow.NewMemoryRoute(cfg.Observer.AuthRoute)

	b := authflow.New().
		WithConfig(cfg).
		WithRedis(rt.redis).
		WithPlatform(rt.platform).
		WithChallenge(emulator.New(settings.ChallengeToken, 0), nil).
		WithRoute(rt.route).
		WithLogger(logger).
		// pending codes survive between runs of the same profile
		WithFlowKey("cli:" + settings.Profile)
	switch {
	case settings.AuditFile != "":
		f, err := os.OpenFile(settings.AuditFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			rt.release()
			return nil, fmt.Errorf("open audit file: %w", err)
		}
		rt.audit = f
		b = b.WithAuditSink(authflow.NewJSONWriterSink(f))
	case settings.Audit:
		b = b.WithAuditSink(authflow.NewLogSink(logger))
	}

	engine, err := b.Build()
	if err != nil {
		rt.release()
		return nil, fmt.Errorf("build engine: %w", err)
	}
	rt.engine = engine
	return rt, nil
}

func (rt *runtime) openRedis(ctx context.Context) error {
	addr := settings.RedisAddr
	if settings.Memory {
		mini, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("start in-process redis: %w", err)
		}
		rt.mini = mini
		addr = mini.Addr()
	}

	rt.redis = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: settings.RedisPassword,
		DB:       settings.RedisDB,
	})
	if err := rt.redis.Ping(ctx).Err(); err != nil {
		rt.release()
		return fmt.Errorf("redis %s: %w", addr, err)
	}
	return nil
}

func (rt *runtime) release() {
	if rt.audit != nil {
		_ = rt.audit.Close()
		rt.audit = nil
	}
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if rt.mini != nil {
		rt.mini.Close()
	}
}

func (rt *runtime) openPlatform(ctx context.Context) error {
	if settings.Memory {
		mp, err := memory.New(memory.DefaultConfig(),
			memory.WithLogger(logger),
			memory.WithConsent(func(ctx context.Context, providerID string) (memory.Identity, error) {
				if memoryIdentity == "" {
					return memory.Identity{}, authflow.ErrPopupClosed
				}
				return memory.Identity{Email: memoryIdentity}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("memory platform: %w", err)
		}
		rt.memory = mp
		rt.platform = mp
		return nil
	}

	federated := make(map[string]toolkit.FederatedConfig)
	if settings.GoogleClientID != "" {
		federated[session.ProviderGoogle] = toolkit.FederatedConfig{
			ClientID:     settings.GoogleClientID,
			ClientSecret: settings.GoogleClientSecret,
		}
	}
	if settings.FacebookClientID != "" {
		federated[session.ProviderFacebook] = toolkit.FederatedConfig{
			ClientID:     settings.FacebookClientID,
			ClientSecret: settings.FacebookClientSecret,
		}
	}

	client, err := toolkit.New(toolkit.Config{
		APIKey:       settings.apiKey(),
		EmulatorHost: settings.EmulatorHost,
		Federated:    federated,
	},
		toolkit.WithLogger(logger),
		toolkit.WithConsent(toolkit.LoopbackConsent{
			Open: func(consentURL string) error {
				_, err := fmt.Fprintf(os.Stderr, "Open this link in a browser to continue:\n\n  %s\n\n", consentURL)
				return err
			},
		}),
	)
	if err != nil {
		return err
	}
	rt.toolkit = client
	rt.platform = client
	rt.store = session.NewStore(rt.redis, "")

	cred, err := rt.store.Load(ctx, settings.Profile)
	switch {
	case errors.Is(err, session.ErrCredentialNotFound):
	case err != nil:
		logger.Warn().Err(err).Msg("stored session unreadable")
	default:
		if _, err := client.Restore(ctx, cred); err != nil {
			logger.Warn().Err(err).Msg("stored session could not be restored")
			if err := rt.store.Delete(ctx, settings.Profile); err != nil {
				logger.Warn().Err(err).Msg("stale session not removed")
			}
		}
	}
	return nil
}

// credential returns the platform's current tokens.
func (rt *runtime) credential() *session.Credential {
	switch {
	case rt.toolkit != nil:
		return rt.toolkit.Credential()
	case rt.memory != nil:
		return rt.memory.Credential()
	default:
		return nil
	}
}

// settle waits for the observer's side effects on the latest session.
func (rt *runtime) settle(ctx context.Context) {
	deadline := time.NewTimer(settleTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for !rt.settled() {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			logger.Debug().Msg("session observer did not settle")
			return
		case <-tick.C:
		}
	}
}

func (rt *runtime) settled() bool {
	switch rt.engine.Observer().Evaluate(rt.engine.Session().Snapshot()) {
	case authflow.DecisionWait, authflow.DecisionSignOut, authflow.DecisionAnonymousSignIn:
		return false
	case authflow.DecisionRedirect:
		return rt.route.Route() == rt.landing || rt.engine.FlowState().LinkTarget != ""
	default:
		return true
	}
}

// close settles the session, persists its credential and releases the
// engine and redis.
func (rt *runtime) close(ctx context.Context) {
	rt.settle(ctx)
	rt.engine.Close()

	if rt.store != nil {
		if cred := rt.credential(); cred != nil {
			if err := rt.store.Save(ctx, settings.Profile, cred, settings.CredentialTTL); err != nil {
				logger.Warn().Err(err).Msg("session not saved")
			}
		} else if err := rt.store.Delete(ctx, settings.Profile); err != nil {
			logger.Warn().Err(err).Msg("session not removed")
		}
	}
	rt.release()
}
