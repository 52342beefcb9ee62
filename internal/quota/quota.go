// Package quota caps billable recognition seconds per credential per day.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	// DefaultDailyLimit is six hours of audio.
	DefaultDailyLimit = 21600
	// SecondsPerChunk is what one cloud recognition call is billed.
	SecondsPerChunk   = 4
	defaultCredential = "default_key"
	dayLayout         = "2006-01-02"
)

var (
	// ErrQuotaExceeded matches every *ExceededError.
	ErrQuotaExceeded = errors.New("daily quota exceeded")
	// ErrInvalidSeconds rejects a charge that is not a positive duration.
	ErrInvalidSeconds = errors.New("billable seconds must be positive")
)

// ExceededError reports the cap that rejected a billable call.
type ExceededError struct {
	Limit     int
	Used      int
	Requested int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("daily quota exceeded: %d+%d of %d seconds", e.Used, e.Requested, e.Limit)
}

func (e *ExceededError) Is(target error) bool { return target == ErrQuotaExceeded }

// Store persists day-scoped totals keyed by raw credential.
type Store interface {
	Load(ctx context.Context, day string) (map[string]int, error)
	Put(ctx context.Context, day, credential string, seconds int) error
}

// Usage is the masked export of today's consumption.
type Usage struct {
	Date  string         `json:"date"`
	Limit int            `json:"limit"`
	Usage map[string]int `json:"usage"`
}

// Quota tracks consumption for the current local day.
type Quota struct {
	store  Store
	limit  int
	log    *slog.Logger
	clock  func() time.Time
	mu     sync.Mutex
	day    string
	totals map[string]int

	rejections metric.Int64Counter
	consumed   metric.Int64Counter
}

func New(store Store, limit int, log *slog.Logger) *Quota {
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	q := &Quota{
		store: store,
		limit: limit,
		log:   log.With(slog.String("component", "usage-quota")),
		clock: time.Now,
	}
	meter := otel.Meter("github.com/loqalabs/loqa-captions/quota")
	if c, err := meter.Int64Counter("captions.quota.rejections", metric.WithDescription("Billable calls rejected by the daily cap")); err == nil {
		q.rejections = c
	}
	if c, err := meter.Int64Counter("captions.quota.seconds", metric.WithDescription("Billable seconds recorded"), metric.WithUnit("s")); err == nil {
		q.consumed = c
	}
	return q
}

// Limit returns the configured daily cap in seconds.
func (q *Quota) Limit() int { return q.limit }

// CheckAndIncrement adds seconds to credential's total for today and returns
// the new total. A call that would exceed the cap leaves the total untouched.
func (q *Quota) CheckAndIncrement(ctx context.Context, credential string, seconds int) (int, error) {
	if seconds <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSeconds, seconds)
	}
	if credential == "" {
		credential = defaultCredential
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.rollover(ctx)
	used := q.totals[credential]
	if used+seconds > q.limit {
		if q.rejections != nil {
			q.rejections.Add(ctx, 1)
		}
		return used, &ExceededError{Limit: q.limit, Used: used, Requested: seconds}
	}

	total := used + seconds
	q.totals[credential] = total
	if q.store != nil {
		if err := q.store.Put(ctx, q.day, credential, total); err != nil {
			q.log.Warn("failed to persist usage", slog.String("error", err.Error()))
		}
	}
	if q.consumed != nil {
		q.consumed.Add(ctx, int64(seconds))
	}
	return total, nil
}

// MaskedUsage reports today's totals with credentials masked.
func (q *Quota) MaskedUsage(ctx context.Context) Usage {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.rollover(ctx)
	masked := make(map[string]int, len(q.totals))
	for key, seconds := range q.totals {
		masked[Mask(key)] += seconds
	}
	return Usage{Date: q.day, Limit: q.limit, Usage: masked}
}

// rollover reloads totals when the local date differs from the cached one.
// Callers hold q.mu.
func (q *Quota) rollover(ctx context.Context) {
	today := q.clock().Format(dayLayout)
	if q.totals != nil && q.day == today {
		return
	}
	q.day = today
	q.totals = make(map[string]int)
	if q.store == nil {
		return
	}
	loaded, err := q.store.Load(ctx, today)
	if err != nil {
		q.log.Warn("usage store unreadable, starting from zero", slog.String("error", err.Error()))
		return
	}
	for key, seconds := range loaded {
		q.totals[key] = seconds
	}
}

// Mask hides all but the first and last six characters of key. Keys of twelve
// characters or fewer are hidden entirely.
func Mask(key string) string {
	runes := []rune(key)
	if len(runes) <= 12 {
		return "******"
	}
	return string(runes[:6]) + "..." + string(runes[len(runes)-6:])
}

// MemoryStore keeps totals in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	days map[string]map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{days: make(map[string]map[string]int)}
}

func (m *MemoryStore) Load(_ context.Context, day string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.days[day]))
	for k, v := range m.days[day] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) Put(_ context.Context, day, credential string, seconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.days[day] == nil {
		m.days[day] = make(map[string]int)
	}
	m.days[day][credential] = seconds
	return nil
}
