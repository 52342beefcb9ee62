// Package presence tracks which remote satellites are connected and healthy.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type Satellite struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Languages []string  `json:"languages,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
	Healthy   bool      `json:"healthy"`
}

type Registry struct {
	cfg    config.PresenceConfig
	log    *slog.Logger
	bus    *bus.Client
	clock  func() time.Time
	cancel context.CancelFunc
	subs   []*nats.Subscription

	mu         sync.RWMutex
	satellites map[string]*Satellite

	meter metric.Meter
}

func NewRegistry(ctx context.Context, cfg config.PresenceConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:        cfg,
		log:        log.With(slog.String("component", "satellite-presence")),
		bus:        busClient,
		clock:      time.Now,
		cancel:     cancel,
		satellites: make(map[string]*Satellite),
		meter:      otel.Meter("github.com/loqalabs/loqa-captions/presence"),
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	go r.monitorHealth(ctx)
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectSatelliteAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectSatelliteHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return conn.Flush()
}

func (r *Registry) monitorHealth(ctx context.Context) {
	interval := time.Duration(r.cfg.SweepInterval) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.SatelliteAnnounce
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.SatelliteID == "" {
		r.log.Warn("announce without satellite id")
		return
	}
	r.update(announcement.SatelliteID, announcement.Name, announcement.Languages)
	r.log.Info("satellite announced", slog.String("satellite", announcement.SatelliteID))
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.SatelliteHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.SatelliteID == "" {
		return
	}
	r.update(hb.SatelliteID, "", nil)
}

// update stamps LastSeen with the local receive time, not the sender's.
func (r *Registry) update(id, name string, languages []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sat, ok := r.satellites[id]
	if !ok {
		sat = &Satellite{ID: id}
		r.satellites[id] = sat
	}
	if name != "" {
		sat.Name = name
	}
	if len(languages) > 0 {
		sat.Languages = languages
	}
	sat.LastSeen = r.clock()
	sat.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for _, sat := range r.satellites {
		if sat.Healthy && now.Sub(sat.LastSeen) > timeout {
			sat.Healthy = false
			r.log.Info("satellite missed heartbeats", slog.String("satellite", sat.ID))
		}
	}
}

// HasHealthy reports whether at least one satellite is reachable.
func (r *Registry) HasHealthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sat := range r.satellites {
		if sat.Healthy {
			return true
		}
	}
	return false
}

// Healthy reports whether the registry is still receiving bus traffic.
func (r *Registry) Healthy() bool {
	return r.bus.Healthy()
}

func (r *Registry) Query(filter func(Satellite) bool) []Satellite {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []Satellite
	for _, sat := range r.satellites {
		copy := *sat
		if filter == nil || filter(copy) {
			results = append(results, copy)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func OnlyHealthy(s Satellite) bool { return s.Healthy }

func (r *Registry) initMetrics() error {
	known, err := r.meter.Int64ObservableGauge("captions.satellites.known", metric.WithDescription("Satellites seen since startup"))
	if err != nil {
		return err
	}
	healthy, err := r.meter.Int64ObservableGauge("captions.satellites.healthy", metric.WithDescription("Satellites with a recent heartbeat"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		total, ok := r.counts()
		obs.ObserveInt64(known, total)
		obs.ObserveInt64(healthy, ok)
		return nil
	}, known, healthy)
	return err
}

func (r *Registry) counts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total, healthy int64
	for _, sat := range r.satellites {
		total++
		if sat.Healthy {
			healthy++
		}
	}
	return total, healthy
}
