// Package dispatch turns one logical generate call into a resilient
// sequence of provider attempts: rotating credentials and model tiers on
// the primary provider first, then walking the secondary provider's tiers
// in fixed preference order under a global attempt budget. It never
// substitutes a provider that is not configured.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mixaill76/free_llm_dispatch/internal/clock"
	"github.com/mixaill76/free_llm_dispatch/internal/config"
	"github.com/mixaill76/free_llm_dispatch/internal/credential"
	"github.com/mixaill76/free_llm_dispatch/internal/monitoring"
	"github.com/mixaill76/free_llm_dispatch/internal/provider"
	"github.com/mixaill76/free_llm_dispatch/internal/ratelimit"
)

// ErrAllProvidersExhausted is returned when both provider paths failed to
// produce a response. Callers must not fall back to anything else.
var ErrAllProvidersExhausted = errors.New("all free LLM providers failed - no response generated")

// errPrimaryExhausted moves control from the primary loop to the fallback
// pass. It never escapes Generate.
var errPrimaryExhausted = errors.New("primary attempts exhausted")

// Final request outcomes as recorded in metrics.
const (
	outcomeSuccess     = "success"
	outcomeFailed      = "failed"
	outcomeFatal       = "fatal"
	outcomeCanceled    = "canceled"
	outcomeConfigError = "config_error"
)

// Request is one generation job.
type Request struct {
	Prompt string

	// Image is optional raw image data attached to the prompt. ImageMIME
	// defaults to image/jpeg when left empty.
	Image     []byte
	ImageMIME string

	// MaxRetries overrides the configured primary attempt bound when
	// positive.
	MaxRetries int
}

// Result is a completed generation.
type Result struct {
	Text      string
	Provider  string
	Tier      string
	RequestID string
}

// Provider bundles one backend: its API binding, its credential pool and
// its tier limiter.
type Provider struct {
	Binding provider.Binding
	Pool    *credential.Pool
	Limiter *ratelimit.TierLimiter
}

func (p Provider) complete() bool {
	return p.Binding != nil && p.Pool != nil && p.Limiter != nil
}

// Dispatcher drives the attempt sequence for every Generate call. Safe for
// concurrent use; pool and limiter state carry their own locks and the
// dispatcher holds none across binding calls or sleeps.
type Dispatcher struct {
	primary   Provider
	secondary Provider
	tun       config.Tunables
	clk       clock.Clock
	metrics   *monitoring.Metrics
	sink      EventSink
	logger    *slog.Logger
}

func New(primary, secondary Provider, tun config.Tunables, clk clock.Clock, metrics *monitoring.Metrics) *Dispatcher {
	if !primary.complete() {
		panic("dispatch.New: primary provider is incomplete")
	}
	if !secondary.complete() {
		panic("dispatch.New: secondary provider is incomplete")
	}
	if clk == nil {
		panic("dispatch.New: clock must not be nil")
	}
	if metrics == nil {
		panic("dispatch.New: metrics must not be nil")
	}

	return &Dispatcher{
		primary:   primary,
		secondary: secondary,
		tun:       tun,
		clk:       clk,
		metrics:   metrics,
		sink:      NopSink{},
		logger:    slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
}

// SetLogger sets the logger for the dispatcher. Call before the first
// Generate.
func (d *Dispatcher) SetLogger(logger *slog.Logger) {
	d.logger = logger
}

// SetEventSink installs the sink dispatch events are published to. Call
// before the first Generate.
func (d *Dispatcher) SetEventSink(sink EventSink) {
	if sink == nil {
		sink = NopSink{}
	}
	d.sink = sink
}

// Generate runs the full dispatch sequence for one request and returns the
// completion text. Terminal errors: a configuration error when no provider
// has credentials, the first fatal provider error, the context error on
// cancellation, or ErrAllProvidersExhausted.
func (d *Dispatcher) Generate(ctx context.Context, req Request) (Result, error) {
	id := uuid.NewString()
	log := d.logger.With("request_id", id)
	start := d.clk.Now()

	if d.primary.Pool.Size() == 0 && d.secondary.Pool.Size() == 0 {
		err := fmt.Errorf("%w for any provider", credential.ErrNoCredentialsConfigured)
		return Result{}, d.fail(id, log, start, err)
	}

	preq := provider.Request{Prompt: req.Prompt, Image: req.Image, ImageMIME: req.ImageMIME}
	retries := req.MaxRetries
	if retries <= 0 {
		retries = d.tun.MaxRetries
	}
	log.Debug("dispatch started",
		"prompt_chars", len(req.Prompt),
		"has_image", preq.HasImage(),
		"max_retries", retries,
	)

	if d.primary.Pool.Size() > 0 {
		res, err := d.tryPrimary(ctx, id, log, preq, retries)
		switch {
		case err == nil:
			return d.succeed(id, log, start, res)
		case errors.Is(err, errPrimaryExhausted):
			log.Warn("primary provider exhausted", "attempts", retries)
		default:
			return Result{}, d.fail(id, log, start, err)
		}
	} else {
		log.Info("primary provider has no credentials, engaging fallback directly")
	}

	res, err := d.trySecondary(ctx, id, log, preq)
	if err != nil {
		return Result{}, d.fail(id, log, start, err)
	}
	return d.succeed(id, log, start, res)
}

// tryPrimary runs the bounded primary loop. It returns the result on
// success, errPrimaryExhausted when the retry budget ran out, and any
// other error (fatal classification, context cancellation) as terminal.
func (d *Dispatcher) tryPrimary(ctx context.Context, id string, log *slog.Logger, preq provider.Request, retries int) (Result, error) {
	name := d.primary.Binding.Name()

	for attempt := 1; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		ok, err := d.primary.Limiter.CanMakeRequest(ctx)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			// The limiter already advanced the rotation; the miss
			// costs one attempt.
			active := d.primary.Limiter.Active()
			d.sink.Emit(Event{
				Type:      EventTierSwitched,
				RequestID: id,
				Provider:  name,
				Tier:      active.Name,
				Message:   "tier quota exhausted",
			})
			log.Debug("primary tier out of quota",
				"attempt", attempt,
				"next_tier", active.Name,
			)
			continue
		}

		tier := d.primary.Limiter.Active()
		cred, err := d.primary.Pool.Acquire(ctx)
		if err != nil {
			if errors.Is(err, credential.ErrNoCredentialAvailable) {
				log.Warn("no primary credential available",
					"attempt", attempt,
					"tier", tier.Name,
				)
				continue
			}
			return Result{}, err
		}
		d.sink.Emit(Event{
			Type:       EventCredentialSelected,
			RequestID:  id,
			Provider:   name,
			Tier:       tier.Name,
			Credential: cred.Display,
		})

		attemptStart := d.clk.Now()
		resp, genErr := d.primary.Binding.Generate(ctx, cred, tier.Name, preq)
		elapsed := d.clk.Now().Sub(attemptStart)

		if genErr == nil {
			d.primary.Limiter.Record(tier.Name)
			d.metrics.RecordAttempt(name, tier.Name, outcomeSuccess, elapsed)
			log.Info("primary attempt succeeded",
				"attempt", attempt,
				"tier", tier.Name,
				"credential", cred.Display,
			)
			return Result{Text: resp.Text, Provider: name, Tier: tier.Name, RequestID: id}, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}

		class := provider.ClassOf(genErr)
		d.metrics.RecordAttempt(name, tier.Name, class.String(), elapsed)
		d.sink.Emit(Event{
			Type:       EventAttemptFailed,
			RequestID:  id,
			Provider:   name,
			Tier:       tier.Name,
			Credential: cred.Display,
			Class:      class.String(),
			Message:    genErr.Error(),
		})
		log.Warn("primary attempt failed",
			"attempt", attempt,
			"tier", tier.Name,
			"credential", cred.Display,
			"class", class.String(),
			"error", genErr,
		)

		switch class {
		case provider.ClassRateLimit:
			// Same tier next time, different credential.
			d.primary.Pool.MarkRateLimited(cred)
			d.sink.Emit(Event{
				Type:       EventCredentialRateLimited,
				RequestID:  id,
				Provider:   name,
				Credential: cred.Display,
			})
			if err := d.clk.Sleep(ctx, d.tun.RateLimitBackoff); err != nil {
				return Result{}, err
			}

		case provider.ClassEmpty:
			// An accepted response spends quota even without text.
			d.primary.Limiter.Record(tier.Name)
			if err := d.switchPrimaryTier(ctx, id); err != nil {
				return Result{}, err
			}
			if err := d.clk.Sleep(ctx, d.tun.EmptyBackoff); err != nil {
				return Result{}, err
			}

		case provider.ClassTimeout:
			if err := d.switchPrimaryTier(ctx, id); err != nil {
				return Result{}, err
			}
			if err := d.clk.Sleep(ctx, d.tun.TimeoutBackoff); err != nil {
				return Result{}, err
			}

		case provider.ClassFatal:
			log.Error("primary attempt failed fatally, skipping fallback",
				"tier", tier.Name,
				"error", genErr,
			)
			return Result{}, genErr

		default:
			// Transient and anything unclassified: retry elsewhere.
			if err := d.switchPrimaryTier(ctx, id); err != nil {
				return Result{}, err
			}
			if err := d.clk.Sleep(ctx, d.tun.TransientBackoff); err != nil {
				return Result{}, err
			}
		}
	}

	return Result{}, errPrimaryExhausted
}

func (d *Dispatcher) switchPrimaryTier(ctx context.Context, id string) error {
	next, err := d.primary.Limiter.Switch(ctx)
	d.sink.Emit(Event{
		Type:      EventTierSwitched,
		RequestID: id,
		Provider:  d.primary.Binding.Name(),
		Tier:      next.Name,
	})
	return err
}

// trySecondary walks the fallback tiers in configuration order under the
// global attempt budget. Tier order is fixed here: the limiter's rotation
// is not consulted, only per-tier capacity.
func (d *Dispatcher) trySecondary(ctx context.Context, id string, log *slog.Logger, preq provider.Request) (Result, error) {
	if d.secondary.Pool.Size() == 0 {
		log.Warn("secondary provider has no credentials")
		return Result{}, ErrAllProvidersExhausted
	}

	name := d.secondary.Binding.Name()
	d.metrics.RecordFallback()
	d.sink.Emit(Event{Type: EventFallbackEngaged, RequestID: id, Provider: name})
	log.Info("engaging secondary provider", "budget", d.tun.SecondaryBudget)

	budget := d.tun.SecondaryBudget
	for _, tier := range d.secondary.Limiter.Tiers() {
		if budget <= 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if !d.secondary.Limiter.HasCapacity(tier.Name) {
			log.Debug("secondary tier out of quota", "tier", tier.Name)
			continue
		}

		for i := 0; i < d.tun.SecondaryCredsPerTier && budget > 0; i++ {
			cred, err := d.secondary.Pool.Acquire(ctx)
			if err != nil {
				if errors.Is(err, credential.ErrNoCredentialAvailable) {
					log.Debug("no secondary credential available", "tier", tier.Name)
					break
				}
				return Result{}, err
			}
			budget--
			d.sink.Emit(Event{
				Type:       EventCredentialSelected,
				RequestID:  id,
				Provider:   name,
				Tier:       tier.Name,
				Credential: cred.Display,
			})

			attemptCtx, cancel := context.WithTimeout(ctx, d.tun.SecondaryAttemptTimeout)
			attemptStart := d.clk.Now()
			resp, genErr := d.secondary.Binding.Generate(attemptCtx, cred, tier.Name, preq)
			cancel()
			elapsed := d.clk.Now().Sub(attemptStart)

			if genErr == nil {
				d.secondary.Limiter.Record(tier.Name)
				d.metrics.RecordAttempt(name, tier.Name, outcomeSuccess, elapsed)
				log.Info("secondary attempt succeeded",
					"tier", tier.Name,
					"credential", cred.Display,
					"budget_left", budget,
				)
				return Result{Text: resp.Text, Provider: name, Tier: tier.Name, RequestID: id}, nil
			}
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}

			class := provider.ClassOf(genErr)
			d.metrics.RecordAttempt(name, tier.Name, class.String(), elapsed)
			d.sink.Emit(Event{
				Type:       EventAttemptFailed,
				RequestID:  id,
				Provider:   name,
				Tier:       tier.Name,
				Credential: cred.Display,
				Class:      class.String(),
				Message:    genErr.Error(),
			})
			log.Warn("secondary attempt failed",
				"tier", tier.Name,
				"credential", cred.Display,
				"class", class.String(),
				"budget_left", budget,
				"error", genErr,
			)

			if class == provider.ClassRateLimit {
				d.secondary.Pool.MarkRateLimited(cred)
				d.sink.Emit(Event{
					Type:       EventCredentialRateLimited,
					RequestID:  id,
					Provider:   name,
					Credential: cred.Display,
				})
				// A rate-limited tier is not worth more budget.
				break
			}
			if class == provider.ClassEmpty {
				d.secondary.Limiter.Record(tier.Name)
			}
			// Timeout and everything else: next credential.
		}
	}

	return Result{}, ErrAllProvidersExhausted
}

func (d *Dispatcher) succeed(id string, log *slog.Logger, start time.Time, res Result) (Result, error) {
	elapsed := d.clk.Now().Sub(start)
	d.metrics.RecordRequest(outcomeSuccess, elapsed)
	d.sink.Emit(Event{
		Type:      EventRequestSucceeded,
		RequestID: id,
		Provider:  res.Provider,
		Tier:      res.Tier,
	})
	log.Info("dispatch succeeded",
		"provider", res.Provider,
		"tier", res.Tier,
		"elapsed", elapsed,
	)
	return res, nil
}

func (d *Dispatcher) fail(id string, log *slog.Logger, start time.Time, err error) error {
	elapsed := d.clk.Now().Sub(start)
	d.metrics.RecordRequest(outcomeOf(err), elapsed)
	d.sink.Emit(Event{
		Type:      EventRequestFailed,
		RequestID: id,
		Message:   err.Error(),
	})
	log.Error("dispatch failed",
		"outcome", outcomeOf(err),
		"elapsed", elapsed,
		"error", err,
	)
	return err
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, credential.ErrNoCredentialsConfigured):
		return outcomeConfigError
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return outcomeCanceled
	case provider.ClassOf(err) == provider.ClassFatal:
		return outcomeFatal
	default:
		return outcomeFailed
	}
}
