package translate

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/llm"
)

// FromConfig assembles the cascade described by cfg. gen may be nil when no
// LLM backend is enabled, in which case the llm provider and refinement are
// left out.
func FromConfig(cfg config.TranslationConfig, llmCfg config.LLMConfig, gen llm.Generator, log *slog.Logger) *Cascade {
	client := &http.Client{}
	var providers []Provider
	var llmBackend *LLM
	if gen != nil {
		llmBackend = NewLLM(gen, llmCfg)
	}

	for _, name := range cfg.Providers {
		switch name {
		case "baidu":
			providers = append(providers, NewBaidu(cfg.Baidu.Endpoint, cfg.Baidu.AppID, cfg.Baidu.Secret, client))
		case "google":
			providers = append(providers, NewGoogle(cfg.Google.Endpoint, client))
		case "llm":
			if llmBackend == nil {
				log.Warn("llm translation provider configured but llm backend disabled")
				continue
			}
			providers = append(providers, llmBackend)
		case "mock":
			providers = append(providers, NewMockProvider())
		}
	}

	opts := Options{
		Timeout:         time.Duration(cfg.ProviderTimeout) * time.Millisecond,
		BreakerFailures: uint32(max(cfg.BreakerFailures, 0)),
		BreakerCooldown: time.Duration(cfg.BreakerCooldown) * time.Millisecond,
		Overrides:       cfg.Overrides,
	}
	var refiner Refiner
	if llmBackend != nil {
		refiner = llmBackend
	}
	return NewCascade(providers, refiner, opts, log)
}
