package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/ranya-runtime/internal/observability"
	"github.com/harun/ranya-runtime/internal/tracing"
	"github.com/rs/zerolog"
)

const (
	defaultRetryDelay = time.Second
	defaultCooldown   = time.Minute
)

// LLMCaller sends one request to whichever model backend is available
type LLMCaller interface {
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)
}

// PoolConfig configures a ProfilePool
type PoolConfig struct {
	Profiles []AuthProfile
	Creator  ProviderCreator
	// MaxRetries bounds attempts per profile for retryable errors
	MaxRetries int
	// RetryDelay is the first backoff delay; it doubles per attempt
	RetryDelay time.Duration
	// Cooldown is multiplied by the failure count to park a failing profile
	Cooldown time.Duration
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
}

type profileState struct {
	profile       AuthProfile
	provider      LLMProvider
	failures      int
	cooldownUntil time.Time
}

// ProfilePool fails over between auth profiles in priority order. It is
// shared by every session so cooldowns apply process-wide.
type ProfilePool struct {
	mu         sync.Mutex
	states     []*profileState
	creator    ProviderCreator
	maxRetries int
	retryDelay time.Duration
	cooldown   time.Duration
	metrics    *observability.Metrics
	logger     zerolog.Logger
	now        func() time.Time
}

// NewProfilePool creates a pool over profiles, lowest priority value first
func NewProfilePool(cfg PoolConfig) (*ProfilePool, error) {
	if len(cfg.Profiles) == 0 {
		return nil, ErrNoProfiles
	}
	if cfg.Creator == nil {
		cfg.Creator = ProviderFactory{}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}

	profiles := make([]AuthProfile, len(cfg.Profiles))
	copy(profiles, cfg.Profiles)
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})

	states := make([]*profileState, 0, len(profiles))
	for _, profile := range profiles {
		if profile.ID == "" {
			profile.ID = profile.Provider
		}
		states = append(states, &profileState{profile: profile})
	}

	return &ProfilePool{
		states:     states,
		creator:    cfg.Creator,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		cooldown:   cfg.Cooldown,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With().Str("component", "profile-pool").Logger(),
		now:        time.Now,
	}, nil
}

// Call tries each available profile until one answers. Permanent errors
// stop the failover immediately.
func (p *ProfilePool) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	logger := tracing.LoggerFromContext(ctx, p.logger)

	var lastErr error
	tried := 0

	for _, state := range p.snapshot() {
		profile := state.profile
		if p.coolingDown(profile.ID) {
			logger.Debug().Str("profile_id", profile.ID).Msg("Skipping profile in cooldown")
			continue
		}
		tried++

		provider, err := p.providerFor(state)
		if err != nil {
			lastErr = err
			logger.Warn().Err(err).Str("profile_id", profile.ID).Msg("Failed to create provider")
			continue
		}

		req := request
		if profile.Model != "" {
			req.Model = profile.Model
		}

		resp, err := p.callWithRetry(ctx, provider, req)
		p.metrics.RecordProviderCall(provider.Provider(), err == nil)
		if err == nil {
			p.markSuccess(profile.ID)
			if resp.Usage != nil {
				p.metrics.RecordTokens(resp.Usage.InputTokens, resp.Usage.OutputTokens)
			}
			return resp, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		logger.Warn().Err(err).Str("profile_id", profile.ID).Msg("Auth profile failed")
		p.markFailure(profile.ID)

		if !IsRetryableError(err) {
			return nil, err
		}
	}

	if tried == 0 {
		return nil, ErrProfilesCoolingDown
	}
	logger.Error().Err(lastErr).Msg("All auth profiles failed")
	return nil, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

// CoolingDown reports whether the profile is parked
func (p *ProfilePool) CoolingDown(profileID string) bool {
	return p.coolingDown(profileID)
}

func (p *ProfilePool) callWithRetry(ctx context.Context, provider LLMProvider, req LLMRequest) (*LLMResponse, error) {
	var lastErr error

	for attempt := 0; attempt < p.maxRetries; attempt++ {
		resp, err := provider.Call(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsRetryableError(err) || attempt == p.maxRetries-1 {
			break
		}

		delay := p.retryDelay * time.Duration(1<<attempt)
		p.logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after error")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Join(ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return nil, lastErr
}

func (p *ProfilePool) snapshot() []*profileState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*profileState, len(p.states))
	copy(out, p.states)
	return out
}

func (p *ProfilePool) providerFor(state *profileState) (LLMProvider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state.provider != nil {
		return state.provider, nil
	}
	provider, err := p.creator.NewProvider(state.profile)
	if err != nil {
		return nil, err
	}
	state.provider = provider
	return provider, nil
}

func (p *ProfilePool) find(profileID string) *profileState {
	for _, state := range p.states {
		if state.profile.ID == profileID {
			return state
		}
	}
	return nil
}

func (p *ProfilePool) coolingDown(profileID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := p.find(profileID)
	return state != nil && p.now().Before(state.cooldownUntil)
}

func (p *ProfilePool) markSuccess(profileID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state := p.find(profileID); state != nil {
		state.failures = 0
		state.cooldownUntil = time.Time{}
	}
	p.metrics.SetProviderCooldown(profileID, false)
}

func (p *ProfilePool) markFailure(profileID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state := p.find(profileID); state != nil {
		state.failures++
		state.cooldownUntil = p.now().Add(p.cooldown * time.Duration(state.failures))
	}
	p.metrics.SetProviderCooldown(profileID, true)
}
