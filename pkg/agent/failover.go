package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/mcpilot/internal/observability"
	"github.com/harun/mcpilot/internal/tracing"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
	cooldownStep      = 60 * time.Second
)

// FailoverConfig configures a FailoverProvider
type FailoverConfig struct {
	Profiles   []AuthProfile
	Factory    ProviderCreator
	MaxRetries int           // Attempts per profile for transient errors
	RetryDelay time.Duration // First backoff delay, doubled per attempt
	Logger     zerolog.Logger
}

// FailoverProvider calls the highest-priority profile that is not cooling down,
// retrying transient errors with exponential backoff and failing over on repeated failure.
type FailoverProvider struct {
	factory    ProviderCreator
	maxRetries int
	retryDelay time.Duration
	logger     zerolog.Logger

	authMu       sync.RWMutex
	authProfiles []AuthProfile
	providers    map[string]LLMProvider
}

// NewFailoverProvider creates a provider over one or more auth profiles
func NewFailoverProvider(cfg FailoverConfig) (*FailoverProvider, error) {
	observability.EnsureRegistered()

	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}
	if cfg.Factory == nil {
		cfg.Factory = &ProviderFactory{}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}

	profiles := make([]AuthProfile, len(cfg.Profiles))
	copy(profiles, cfg.Profiles)
	sortProfilesByPriority(profiles)

	return &FailoverProvider{
		factory:      cfg.Factory,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		logger:       cfg.Logger,
		authProfiles: profiles,
		providers:    make(map[string]LLMProvider),
	}, nil
}

// Provider returns the provider name
func (f *FailoverProvider) Provider() string {
	return "failover"
}

// Profiles returns a snapshot of the auth profiles and their failure state
func (f *FailoverProvider) Profiles() []AuthProfile {
	f.authMu.RLock()
	defer f.authMu.RUnlock()
	profiles := make([]AuthProfile, len(f.authProfiles))
	copy(profiles, f.authProfiles)
	return profiles
}

// Call executes the request with auth profile failover
func (f *FailoverProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	profiles := f.Profiles()
	logger := tracing.LoggerFromContext(ctx, f.logger)

	var lastErr error

	for _, profile := range availableProfiles(profiles, time.Now(), logger) {
		provider, err := f.providerFor(profile)
		if err != nil {
			lastErr = err
			logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Failed to create provider")
			continue
		}

		req := request
		if req.Model == "" {
			req.Model = profile.Model
		}

		start := time.Now()
		response, err := f.callWithRetry(ctx, provider, req, logger)
		observability.RecordModelCall(provider.Provider(), time.Since(start), err == nil)
		if err == nil {
			f.updateProfileSuccess(profile.ID)
			return response, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, &ProviderError{Provider: provider.Provider(), Err: err}
		}

		logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Auth profile failed")
		f.updateProfileFailure(profile.ID)

		if !IsRetryableError(err) {
			return nil, &ProviderError{Provider: provider.Provider(), Err: err}
		}
	}

	logger.Error().Err(lastErr).Msg("All auth profiles failed")
	return nil, &ProviderError{Provider: f.Provider(), Err: fmt.Errorf("all auth profiles failed: %w", lastErr)}
}

// availableProfiles drops profiles in cooldown. When all of them are cooling
// down, the one whose cooldown ends first is still tried.
func availableProfiles(profiles []AuthProfile, now time.Time, logger zerolog.Logger) []AuthProfile {
	available := make([]AuthProfile, 0, len(profiles))
	var soonest *AuthProfile
	for i, profile := range profiles {
		if profile.CooldownUntil != nil && now.UnixMilli() < *profile.CooldownUntil {
			observability.SetProviderCooldown(profile.ID, true)
			logger.Debug().Str("profileId", profile.ID).Msg("Skipping profile in cooldown")
			if soonest == nil || *profile.CooldownUntil < *soonest.CooldownUntil {
				soonest = &profiles[i]
			}
			continue
		}
		available = append(available, profile)
	}
	if len(available) == 0 && soonest != nil {
		available = append(available, *soonest)
	}
	return available
}

func (f *FailoverProvider) providerFor(profile AuthProfile) (LLMProvider, error) {
	f.authMu.Lock()
	defer f.authMu.Unlock()

	if provider, ok := f.providers[profile.ID]; ok {
		return provider, nil
	}
	provider, err := f.factory.NewProvider(profile)
	if err != nil {
		return nil, err
	}
	f.providers[profile.ID] = provider
	return provider, nil
}

// callWithRetry calls the provider with exponential backoff on transient errors
func (f *FailoverProvider) callWithRetry(ctx context.Context, provider LLMProvider, request LLMRequest, logger zerolog.Logger) (*LLMResponse, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"mcpilot.agent",
		"agent.model_call",
		attribute.String("provider", provider.Provider()),
		attribute.String("model", request.Model),
		attribute.String("tool_choice", string(request.ToolChoice)),
	)

	var lastErr error
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		response, err := provider.Call(ctx, request)
		if err == nil {
			tracing.EndSpan(span, nil)
			return response, nil
		}
		lastErr = err

		if !IsRetryableError(err) || attempt == f.maxRetries-1 {
			break
		}

		delay := f.retryDelay * time.Duration(1<<attempt)
		logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying model call after error")

		select {
		case <-ctx.Done():
			tracing.EndSpan(span, ctx.Err())
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	tracing.EndSpan(span, lastErr)
	return nil, lastErr
}

// updateProfileSuccess resets failure count for a profile
func (f *FailoverProvider) updateProfileSuccess(profileID string) {
	f.authMu.Lock()
	defer f.authMu.Unlock()

	for i := range f.authProfiles {
		if f.authProfiles[i].ID == profileID {
			f.authProfiles[i].FailureCount = 0
			f.authProfiles[i].CooldownUntil = nil
			observability.SetProviderCooldown(profileID, false)
			break
		}
	}
}

// updateProfileFailure marks a profile as failed; the cooldown grows with each failure
func (f *FailoverProvider) updateProfileFailure(profileID string) {
	f.authMu.Lock()
	defer f.authMu.Unlock()

	for i := range f.authProfiles {
		if f.authProfiles[i].ID == profileID {
			f.authProfiles[i].FailureCount++
			until := time.Now().Add(cooldownStep * time.Duration(f.authProfiles[i].FailureCount)).UnixMilli()
			f.authProfiles[i].CooldownUntil = &until
			observability.SetProviderCooldown(profileID, true)
			break
		}
	}
}

// sortProfilesByPriority sorts profiles by priority (lower = higher priority)
func sortProfilesByPriority(profiles []AuthProfile) {
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})
}
