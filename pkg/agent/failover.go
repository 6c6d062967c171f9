package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cyl19970726/continue-reasoning-sub003/internal/observability"
	"github.com/cyl19970726/continue-reasoning-sub003/internal/tracing"
	"github.com/cyl19970726/continue-reasoning-sub003/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNoProfiles is returned when every profile is cooling down or unusable.
var ErrNoProfiles = errors.New("no usable auth profiles")

const profileCooldownStep = time.Minute

// FailoverLLM tries auth profiles in priority order. A failing profile is put
// in cooldown for one minute per consecutive failure.
type FailoverLLM struct {
	factory ProviderCreator
	logger  zerolog.Logger
	now     func() time.Time

	mu        sync.Mutex
	profiles  []AuthProfile
	providers map[string]LLM
}

// NewFailoverLLM copies profiles; a nil factory means ProviderFactory.
func NewFailoverLLM(profiles []AuthProfile, factory ProviderCreator, logger *zerolog.Logger) (*FailoverLLM, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}
	if factory == nil {
		factory = &ProviderFactory{}
	}
	l := log.Logger
	if logger != nil {
		l = *logger
	}

	sorted := make([]AuthProfile, len(profiles))
	copy(sorted, profiles)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	return &FailoverLLM{
		factory:   factory,
		logger:    l.With().Str("component", "llm-failover").Logger(),
		now:       time.Now,
		profiles:  sorted,
		providers: make(map[string]LLM),
	}, nil
}

// Provider names the highest-priority profile's provider.
func (f *FailoverLLM) Provider() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profiles[0].Provider
}

// Profiles returns a snapshot including failure counts and cooldowns.
func (f *FailoverLLM) Profiles() []AuthProfile {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]AuthProfile, len(f.profiles))
	copy(out, f.profiles)
	return out
}

func (f *FailoverLLM) Call(ctx context.Context, prompt string, tools []toolexecutor.ToolCallDefinition, opts CallOptions) (*LLMResponse, error) {
	return f.do(ctx, func(p LLM) (*LLMResponse, error) {
		return p.Call(ctx, prompt, tools, opts)
	})
}

// CallStream streams through the selected profile. Once text has been
// streamed a failure is returned instead of switching profiles.
func (f *FailoverLLM) CallStream(ctx context.Context, prompt string, tools []toolexecutor.ToolCallDefinition, opts CallOptions, onDelta func(string)) (*LLMResponse, error) {
	emitted := false
	return f.do(ctx, func(p LLM) (*LLMResponse, error) {
		if emitted {
			return nil, fmt.Errorf("stream interrupted after partial output")
		}
		streamer, ok := p.(StreamingLLM)
		if !ok {
			return p.Call(ctx, prompt, tools, opts)
		}
		return streamer.CallStream(ctx, prompt, tools, opts, func(delta string) {
			emitted = true
			if onDelta != nil {
				onDelta(delta)
			}
		})
	})
}

func (f *FailoverLLM) do(ctx context.Context, call func(LLM) (*LLMResponse, error)) (*LLMResponse, error) {
	logger := tracing.LoggerFromContext(ctx, f.logger)
	var lastErr error

	for _, profile := range f.Profiles() {
		if profile.CooldownUntil != nil && f.now().UnixMilli() < *profile.CooldownUntil {
			observability.SetProviderCooldown(profile.Provider, true)
			logger.Debug().Str("profileId", profile.ID).Msg("Skipping profile in cooldown")
			continue
		}

		provider, err := f.provider(profile)
		if err != nil {
			lastErr = err
			logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Failed to create provider")
			continue
		}

		response, err := call(provider)
		if err == nil {
			f.markSuccess(profile.ID)
			return response, nil
		}

		lastErr = err
		logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Auth profile failed")

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Don't fail over on permanent errors; the request itself is at fault
		if !IsRetryableError(err) && !isAuthError(err) {
			return nil, err
		}
		f.markFailure(profile.ID)
	}

	if lastErr == nil {
		return nil, ErrNoProfiles
	}
	logger.Error().Err(lastErr).Msg("All auth profiles failed")
	return nil, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

func (f *FailoverLLM) provider(profile AuthProfile) (LLM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.providers[profile.ID]; ok {
		return p, nil
	}
	p, err := f.factory.NewProvider(profile)
	if err != nil {
		return nil, err
	}
	f.providers[profile.ID] = p
	return p, nil
}

func (f *FailoverLLM) markSuccess(profileID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.profiles {
		if f.profiles[i].ID == profileID {
			f.profiles[i].FailureCount = 0
			f.profiles[i].CooldownUntil = nil
			observability.SetProviderCooldown(f.profiles[i].Provider, false)
			return
		}
	}
}

func (f *FailoverLLM) markFailure(profileID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.profiles {
		if f.profiles[i].ID == profileID {
			f.profiles[i].FailureCount++
			until := f.now().Add(profileCooldownStep * time.Duration(f.profiles[i].FailureCount)).UnixMilli()
			f.profiles[i].CooldownUntil = &until
			observability.SetProviderCooldown(f.profiles[i].Provider, true)
			return
		}
	}
}
