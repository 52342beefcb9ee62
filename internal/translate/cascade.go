package translate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ProviderOriginal marks a result that fell back to the source text.
const ProviderOriginal = "original"

// Result is the outcome of one cascade run.
type Result struct {
	Text     string
	Provider string
	Refined  bool
}

// Options tunes provider timeouts and circuit breakers.
type Options struct {
	// Timeout bounds each provider call and the refinement call.
	Timeout time.Duration
	// BreakerFailures consecutive failures open a provider's breaker; zero
	// disables breaking.
	BreakerFailures uint32
	BreakerCooldown time.Duration
	// Overrides maps a base target language to the provider tried first.
	Overrides map[string]string
}

type guardedProvider struct {
	provider Provider
	breaker  *gobreaker.CircuitBreaker[string]
}

// Cascade tries providers in order and never fails: when every provider
// errors the original text is returned.
type Cascade struct {
	providers []*guardedProvider
	byName    map[string]*guardedProvider
	overrides map[string]string
	refiner   Refiner
	timeout   time.Duration
	log       *slog.Logger
	requests  metric.Int64Counter
	duration  metric.Float64Histogram
}

func NewCascade(providers []Provider, refiner Refiner, opts Options, log *slog.Logger) *Cascade {
	if opts.Timeout <= 0 {
		opts.Timeout = 8 * time.Second
	}
	c := &Cascade{
		byName:    make(map[string]*guardedProvider, len(providers)),
		overrides: make(map[string]string, len(opts.Overrides)),
		refiner:   refiner,
		timeout:   opts.Timeout,
		log:       log.With(slog.String("component", "translation-cascade")),
	}
	for lang, name := range opts.Overrides {
		c.overrides[BaseLanguage(lang)] = name
	}
	for _, p := range providers {
		g := &guardedProvider{provider: p}
		if opts.BreakerFailures > 0 {
			threshold := opts.BreakerFailures
			g.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
				Name:    p.Name(),
				Timeout: opts.BreakerCooldown,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= threshold
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					c.log.Info("provider breaker state changed",
						slog.String("provider", name),
						slog.String("from", from.String()),
						slog.String("to", to.String()))
				},
			})
		}
		c.providers = append(c.providers, g)
		c.byName[p.Name()] = g
	}

	meter := otel.Meter("github.com/loqalabs/loqa-captions/translate")
	if counter, err := meter.Int64Counter("captions.translation.requests", metric.WithDescription("Translation attempts by provider and outcome")); err == nil {
		c.requests = counter
	}
	if hist, err := meter.Float64Histogram("captions.translation.duration", metric.WithDescription("Cascade run time including refinement"), metric.WithUnit("s")); err == nil {
		c.duration = hist
	}
	return c
}

// Translate returns the translated text, or text itself when nothing worked.
func (c *Cascade) Translate(ctx context.Context, text, from, to, model string) string {
	return c.TranslateResult(ctx, text, from, to, model).Text
}

// TranslateResult runs the cascade and reports which provider answered.
func (c *Cascade) TranslateResult(ctx context.Context, text, from, to, model string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{Text: text, Provider: ProviderOriginal}
	}
	src, dst := BaseLanguage(from), BaseLanguage(to)
	start := time.Now()

	result := Result{Text: text, Provider: ProviderOriginal}
	for _, g := range c.order(dst) {
		out, err := c.call(ctx, g, text, src, dst)
		if err != nil {
			c.record(ctx, g.provider.Name(), "error")
			c.log.Warn("translation provider failed",
				slog.String("provider", g.provider.Name()),
				slog.String("error", err.Error()))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		c.record(ctx, g.provider.Name(), "ok")
		result = Result{Text: out, Provider: g.provider.Name()}
		break
	}
	if result.Provider == ProviderOriginal {
		c.record(ctx, ProviderOriginal, "fallback")
	}

	if c.refiner != nil && model != "" && model != "none" && ctx.Err() == nil {
		rctx, cancel := context.WithTimeout(ctx, c.timeout)
		refined, err := c.refiner.Refine(rctx, text, result.Text, src, dst, model)
		cancel()
		switch {
		case err != nil:
			c.log.Warn("translation refinement failed", slog.String("model", model), slog.String("error", err.Error()))
		case strings.TrimSpace(refined) == "":
			c.log.Warn("translation refinement returned nothing", slog.String("model", model))
		default:
			result.Text = strings.TrimSpace(refined)
			result.Refined = true
		}
	}
	if c.duration != nil {
		c.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("provider", result.Provider),
			attribute.Bool("refined", result.Refined)))
	}
	return result
}

func (c *Cascade) order(dst string) []*guardedProvider {
	name, ok := c.overrides[dst]
	if !ok {
		return c.providers
	}
	first, ok := c.byName[name]
	if !ok {
		return c.providers
	}
	ordered := make([]*guardedProvider, 0, len(c.providers))
	ordered = append(ordered, first)
	for _, g := range c.providers {
		if g != first {
			ordered = append(ordered, g)
		}
	}
	return ordered
}

type callResult struct {
	text string
	err  error
}

// call runs one provider under the cascade timeout. A provider that ignores
// its context is abandoned when the timeout fires.
func (c *Cascade) call(ctx context.Context, g *guardedProvider, text, from, to string) (string, error) {
	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	attempt := func() (string, error) {
		out, err := g.provider.Translate(pctx, text, from, to)
		if err != nil {
			return "", err
		}
		out = strings.TrimSpace(out)
		if out == "" {
			return "", errEmptyResult
		}
		return out, nil
	}

	done := make(chan callResult, 1)
	go func() {
		var res callResult
		if g.breaker != nil {
			res.text, res.err = g.breaker.Execute(attempt)
		} else {
			res.text, res.err = attempt()
		}
		done <- res
	}()

	select {
	case res := <-done:
		return res.text, res.err
	case <-pctx.Done():
		return "", fmt.Errorf("%s: %w", g.provider.Name(), pctx.Err())
	}
}

func (c *Cascade) record(ctx context.Context, provider, outcome string) {
	if c.requests == nil {
		return
	}
	c.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	))
}
