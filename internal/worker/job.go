package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mixaill76/free_llm_dispatch/internal/clock"
	"github.com/mixaill76/free_llm_dispatch/internal/credential"
	"github.com/mixaill76/free_llm_dispatch/internal/dispatch"
	"github.com/mixaill76/free_llm_dispatch/internal/provider"
)

const (
	// Exhausted providers need time to shed load before a re-dispatch is
	// worth anything, so retries start slow and give up after a few
	// minutes.
	defaultRetryInterval = 5 * time.Second
	defaultRetryElapsed  = 5 * time.Minute
)

// Generator is the dispatch surface batch jobs run against.
type Generator interface {
	Generate(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
}

// PromptJob dispatches one prompt, retrying with exponential backoff when
// every provider came up empty. Fatal provider errors and configuration
// errors are never retried.
type PromptJob struct {
	ID        int
	Prompt    string
	Image     []byte
	ImageMIME string

	Gen Generator

	// Results, when non-nil, receives the outcome. The caller keeps a
	// receiver alive until the pool drains.
	Results chan<- PromptResult

	// Policy overrides the retry backoff. Nil uses an exponential policy
	// capped at defaultRetryElapsed.
	Policy backoff.BackOff

	// Clk drives retry waits. Nil uses the system clock.
	Clk clock.Clock
}

// PromptResult is the outcome of one batch prompt.
type PromptResult struct {
	ID       int
	Prompt   string
	Text     string
	Provider string
	Tier     string
	Attempts int
	Err      error
}

func (r PromptResult) Error() error {
	return r.Err
}

// Execute dispatches the prompt until it succeeds, the retry policy gives
// up, or the error is permanent. The returned Result is always a
// PromptResult.
func (j PromptJob) Execute(ctx context.Context) Result {
	clk := j.Clk
	if clk == nil {
		clk = clock.System()
	}
	policy := j.Policy
	if policy == nil {
		policy = defaultRetryPolicy(clk)
	}

	out := PromptResult{ID: j.ID, Prompt: j.Prompt}
	op := func() error {
		out.Attempts++
		res, err := j.Gen.Generate(ctx, dispatch.Request{
			Prompt:    j.Prompt,
			Image:     j.Image,
			ImageMIME: j.ImageMIME,
		})
		if err != nil {
			if permanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out.Text = res.Text
		out.Provider = res.Provider
		out.Tier = res.Tier
		return nil
	}

	out.Err = backoff.RetryNotifyWithTimer(op, backoff.WithContext(policy, ctx), nil, clock.NewBackoffTimer(clk))

	if j.Results != nil {
		j.Results <- out
	}
	return out
}

// permanent reports whether a re-dispatch cannot help: missing credentials
// and fatal provider errors fail the same way every time.
func permanent(err error) bool {
	if errors.Is(err, credential.ErrNoCredentialsConfigured) {
		return true
	}
	return provider.ClassOf(err) == provider.ClassFatal
}

func defaultRetryPolicy(clk clock.Clock) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultRetryInterval
	b.MaxElapsedTime = defaultRetryElapsed
	b.Clock = clk
	return b
}
