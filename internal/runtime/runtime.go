package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/llm"
	"github.com/loqalabs/loqa-captions/internal/natsserver"
	"github.com/loqalabs/loqa-captions/internal/presence"
	"github.com/loqalabs/loqa-captions/internal/quota"
	"github.com/loqalabs/loqa-captions/internal/relay"
	"github.com/loqalabs/loqa-captions/internal/stt"
	"github.com/loqalabs/loqa-captions/internal/surface"
	"github.com/loqalabs/loqa-captions/internal/transcript"
	"github.com/loqalabs/loqa-captions/internal/translate"
	"github.com/loqalabs/loqa-captions/internal/usagestore"
)

type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	metricsServer  *http.Server
	metricsHandler http.Handler
	tracerClose    func(context.Context) error
	ready          atomic.Bool
	wg             sync.WaitGroup

	nats        *natsserver.EmbeddedServer
	bus         *bus.Client
	presence    *presence.Registry
	store       *usagestore.Store
	quota       *quota.Quota
	broadcaster *surface.Broadcaster
	merger      *transcript.Merger
	session     *relay.Session
	browser     *stt.BrowserLink
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metricsHandler = metricsHandler

	if err := r.build(ctx); err != nil {
		r.teardown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http server failed")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && r.metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", r.metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              bind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics server failed")
	}

	if mode := r.cfg.STT.Mode; mode == "native" || mode == "satellite" {
		if err := r.session.Start(mode, relay.Settings{}); err != nil {
			r.logger.Warn("initial recognition start failed", slog.String("mode", mode), slogError(err))
		}
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.teardown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) serve(srv *http.Server, failure string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error(failure, slog.String("error", err.Error()))
		}
	}()
}

// build wires the captioning pipeline: bus, presence, quota, translation,
// merger, surfaces and the recognition adapters.
func (r *Runtime) build(ctx context.Context) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		r.logger.Warn("bus unavailable, satellites disabled", slogError(err))
	} else {
		r.bus = client
		reg, err := presence.NewRegistry(ctx, r.cfg.Presence, client, r.logger)
		if err != nil {
			return fmt.Errorf("start satellite presence: %w", err)
		}
		r.presence = reg
	}

	var store quota.Store = quota.NewMemoryStore()
	if r.cfg.UsageStore.Mode == "sqlite" {
		s, err := usagestore.Open(ctx, r.cfg.UsageStore, r.logger)
		if err != nil {
			return fmt.Errorf("open usage store: %w", err)
		}
		if err := s.Prune(ctx); err != nil {
			r.logger.Warn("usage prune failed", slogError(err))
		}
		r.store = s
		store = s
	}
	r.quota = quota.New(store, r.cfg.Quota.DailyLimitSeconds, r.logger)

	var gen llm.Generator
	if r.cfg.LLM.Enabled {
		gen, err = llm.FromConfig(r.cfg.LLM)
		if err != nil {
			return fmt.Errorf("configure llm: %w", err)
		}
	}
	cascade := translate.FromConfig(r.cfg.Translation, r.cfg.LLM, gen, r.logger)

	r.broadcaster = surface.NewBroadcaster(ctx, r.logger)
	if r.bus != nil {
		r.broadcaster.Attach(surface.NewNATS(r.bus.Conn(), ""))
	}

	langs := transcript.Languages{
		From:  r.cfg.Translation.SourceLanguage,
		To:    r.cfg.Translation.TargetLanguage,
		Model: r.cfg.Translation.RefineModel,
	}
	r.merger = transcript.NewMerger(ctx, transcript.Options{
		MaxEntries:       r.cfg.Transcript.MaxEntries,
		InterimGrowth:    r.cfg.Transcript.InterimGrowth,
		InterimInterval:  time.Duration(r.cfg.Transcript.InterimInterval) * time.Millisecond,
		TranslateTimeout: time.Duration(r.cfg.Transcript.TranslateTimeout) * time.Millisecond,
		Languages:        langs,
	}, cascade, r.broadcaster, r.logger)

	r.session = relay.New(ctx, r.merger, relay.Settings{
		SourceLanguage: r.cfg.STT.Language,
		TargetLanguage: langs.To,
		RefineModel:    langs.Model,
		MaxEntries:     r.cfg.Transcript.MaxEntries,
	}, r.logger)

	r.browser = stt.NewBrowserLink(r.logger)
	r.session.Register(stt.NewBrowser(r.cfg.STT.Browser, r.browser, r.session, r.logger))

	if native, err := stt.NewNative(r.cfg.STT.Native, r.session, r.logger); err != nil {
		r.logger.Warn("native recognition disabled", slogError(err))
	} else {
		r.session.Register(native)
	}

	if recognizer, err := stt.NewRecognizer(ctx, r.cfg.STT.Cloud); err != nil {
		r.logger.Warn("cloud recognition disabled", slogError(err))
	} else {
		r.session.Register(stt.NewCloud(r.cfg.STT.Cloud, recognizer, r.quota, r.session, r.logger))
	}

	var sats stt.Presence
	if r.presence != nil {
		sats = r.presence
	}
	r.session.Register(stt.NewSatellite(r.cfg.STT.Satellite, r.bus, sats, r.session, r.logger))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.watchSession(ctx)
	}()
	return nil
}

func (r *Runtime) watchSession(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-r.session.Errors():
			r.logger.Warn("recognition ended", slogError(err))
		}
	}
}

// teardown releases components in reverse order of build.
func (r *Runtime) teardown() {
	if r.session != nil {
		r.session.Close()
	}
	if r.browser != nil {
		r.browser.Close()
	}
	if r.merger != nil {
		r.merger.Close()
	}
	if r.broadcaster != nil {
		r.broadcaster.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("usage store close failed", slogError(err))
		}
	}
	if r.presence != nil {
		r.presence.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
}

func (r *Runtime) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metricsHandler != nil && r.cfg.Telemetry.PrometheusBind == "" {
		mux.Handle("/metrics", r.metricsHandler)
	}

	mux.HandleFunc("GET /api/bridge", surface.BridgeHandler(r.broadcaster))
	mux.HandleFunc("GET /api/history", surface.HistoryHandler(r.broadcaster))
	mux.HandleFunc("/ws/surface", surface.Handler(r.broadcaster, r.logger))
	mux.Handle("/ws/browser", r.browser)

	a := &api{session: r.session, usage: r.quota, log: r.logger.With(slog.String("component", "http-api"))}
	a.register(mux)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
