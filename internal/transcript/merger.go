// Package transcript owns the bounded caption history and decides when each
// entry is sent for translation.
package transcript

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultMaxEntries      = 50
	DefaultInterimGrowth   = 25
	DefaultInterimInterval = 1500 * time.Millisecond
)

// Translator never fails; it returns the input text when nothing better is
// available.
type Translator interface {
	Translate(ctx context.Context, text, from, to, model string) string
}

// Publisher receives every new snapshot.
type Publisher interface {
	Broadcast(protocol.Snapshot)
}

// Languages selects the translation direction and optional refinement model.
type Languages struct {
	From  string
	To    string
	Model string
}

type Options struct {
	MaxEntries       int
	InterimGrowth    int
	InterimInterval  time.Duration
	TranslateTimeout time.Duration
	Languages        Languages
}

type timer interface {
	Stop() bool
}

type entry struct {
	protocol.TranscriptEntry

	// seq is the latest translation request id issued for this entry.
	seq uint64

	lastTrigger time.Time
	lastLen     int
	lastText    string

	trailing    timer
	trailingGen uint64
}

type job struct {
	entryID string
	seq     uint64
	text    string
	final   bool
	langs   Languages
	issued  time.Time
}

// Merger is the single writer of the transcript history. It is safe for
// concurrent use by any number of recognition sources.
type Merger struct {
	translator Translator
	publisher  Publisher
	log        *slog.Logger

	clock     func() time.Time
	newID     func() string
	afterFunc func(time.Duration, func()) timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	opts    Options
	entries []*entry
	nextSeq uint64
	version uint64
	closed  bool

	discarded metric.Int64Counter
	requests  metric.Int64Counter
	latency   metric.Float64Histogram
}

func NewMerger(parent context.Context, opts Options, translator Translator, publisher Publisher, log *slog.Logger) *Merger {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.InterimGrowth < 0 {
		opts.InterimGrowth = DefaultInterimGrowth
	}
	if opts.InterimInterval <= 0 {
		opts.InterimInterval = DefaultInterimInterval
	}
	if opts.TranslateTimeout <= 0 {
		opts.TranslateTimeout = 20 * time.Second
	}
	ctx, cancel := context.WithCancel(parent)
	m := &Merger{
		translator: translator,
		publisher:  publisher,
		log:        log.With(slog.String("component", "transcript-merger")),
		clock:      time.Now,
		newID:      uuid.NewString,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		ctx:    ctx,
		cancel: cancel,
		opts:   opts,
	}

	meter := otel.Meter("github.com/loqalabs/loqa-captions/transcript")
	if c, err := meter.Int64Counter("captions.transcript.translations", metric.WithDescription("Translation requests issued by trigger")); err == nil {
		m.requests = c
	}
	if c, err := meter.Int64Counter("captions.transcript.discarded", metric.WithDescription("Superseded translation results dropped")); err == nil {
		m.discarded = c
	}
	if h, err := meter.Float64Histogram("captions.transcript.latency", metric.WithDescription("Time from translation trigger to patched entry"), metric.WithUnit("s")); err == nil {
		m.latency = h
	}
	return m
}

// Ingest folds one recognition event into the history.
func (m *Merger) Ingest(ev protocol.RecognitionEvent) {
	if strings.TrimSpace(ev.Text) == "" {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	now := m.clock()
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = now
	}

	var e *entry
	if len(m.entries) > 0 && !m.entries[0].IsFinal {
		e = m.entries[0]
		e.Original = ev.Text
		e.IsFinal = ev.IsFinal
		e.Timestamp = ts
	} else {
		e = &entry{TranscriptEntry: protocol.TranscriptEntry{
			ID:        m.newID(),
			Original:  ev.Text,
			IsFinal:   ev.IsFinal,
			Timestamp: ts,
		}}
		m.entries = append([]*entry{e}, m.entries...)
		m.truncateLocked()
	}

	var next *job
	switch {
	case ev.IsFinal:
		m.stopTrailingLocked(e)
		next = m.issueLocked(e, "final")
	case m.shouldTriggerLocked(e, now):
		m.stopTrailingLocked(e)
		next = m.issueLocked(e, "interim")
	default:
		m.armTrailingLocked(e)
	}
	snap := m.publishableLocked()
	m.mu.Unlock()

	m.publisher.Broadcast(snap)
	if next != nil {
		m.dispatch(next)
	}
}

// shouldTriggerLocked applies the interim gate: enough growth since the last
// trigger or enough time since it.
func (m *Merger) shouldTriggerLocked(e *entry, now time.Time) bool {
	if e.lastTrigger.IsZero() {
		return true
	}
	if utf8.RuneCountInString(e.Original) > e.lastLen+m.opts.InterimGrowth {
		return true
	}
	return !now.Before(e.lastTrigger.Add(m.opts.InterimInterval))
}

// issueLocked stamps e with a fresh request id and returns the job to run.
func (m *Merger) issueLocked(e *entry, trigger string) *job {
	m.nextSeq++
	e.seq = m.nextSeq
	e.lastTrigger = m.clock()
	e.lastLen = utf8.RuneCountInString(e.Original)
	e.lastText = e.Original
	m.wg.Add(1)
	if m.requests != nil {
		m.requests.Add(m.ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
	}
	return &job{
		entryID: e.ID,
		seq:     e.seq,
		text:    e.Original,
		final:   e.IsFinal,
		langs:   m.opts.Languages,
		issued:  time.Now(),
	}
}

func (m *Merger) dispatch(j *job) {
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, m.opts.TranslateTimeout)
		defer cancel()
		translated := m.translator.Translate(ctx, j.text, j.langs.From, j.langs.To, j.langs.Model)
		m.apply(j, translated)
	}()
}

// apply patches the entry the job was issued for, matched by id, unless a
// newer request has been issued since.
func (m *Merger) apply(j *job, translated string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	e := m.findLocked(j.entryID)
	if e == nil || e.seq != j.seq {
		m.mu.Unlock()
		if m.discarded != nil {
			m.discarded.Add(context.Background(), 1)
		}
		m.log.Debug("discarding superseded translation",
			slog.String("entry_id", j.entryID),
			slog.Uint64("request_id", j.seq))
		return
	}
	e.Translated = translated
	snap := m.publishableLocked()
	m.mu.Unlock()

	if m.latency != nil {
		m.latency.Record(context.Background(), time.Since(j.issued).Seconds(),
			metric.WithAttributes(attribute.Bool("final", j.final)))
	}

	m.publisher.Broadcast(snap)
}

// armTrailingLocked (re)starts the entry's quiet-period timer. The timer
// fires one interval after the newest interim event, so it never fires
// sooner than one interval after the previous trigger.
func (m *Merger) armTrailingLocked(e *entry) {
	m.stopTrailingLocked(e)
	e.trailingGen++
	gen := e.trailingGen
	id := e.ID
	e.trailing = m.afterFunc(m.opts.InterimInterval, func() {
		m.flushTrailing(id, gen)
	})
}

func (m *Merger) stopTrailingLocked(e *entry) {
	if e.trailing != nil {
		e.trailing.Stop()
		e.trailing = nil
	}
	e.trailingGen++
}

func (m *Merger) flushTrailing(id string, gen uint64) {
	m.mu.Lock()
	e := m.findLocked(id)
	if m.closed || e == nil || e.trailingGen != gen || e.IsFinal {
		m.mu.Unlock()
		return
	}
	e.trailing = nil
	if e.Original == e.lastText {
		m.mu.Unlock()
		return
	}
	next := m.issueLocked(e, "quiet")
	m.mu.Unlock()

	m.dispatch(next)
}

func (m *Merger) truncateLocked() {
	if len(m.entries) <= m.opts.MaxEntries {
		return
	}
	for _, evicted := range m.entries[m.opts.MaxEntries:] {
		m.stopTrailingLocked(evicted)
	}
	m.entries = m.entries[:m.opts.MaxEntries]
}

func (m *Merger) findLocked(id string) *entry {
	for _, e := range m.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (m *Merger) snapshotLocked() protocol.Snapshot {
	out := make([]protocol.TranscriptEntry, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.TranscriptEntry
	}
	return protocol.Snapshot{Entries: out, Timestamp: m.clock(), Version: m.version}
}

// publishableLocked stamps the next version. Publishing happens after the
// unlock, so publishers may receive snapshots out of order and must keep the
// highest version.
func (m *Merger) publishableLocked() protocol.Snapshot {
	m.version++
	return m.snapshotLocked()
}

// Snapshot returns a copy of the current history, newest first.
func (m *Merger) Snapshot() protocol.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// SetLimit changes the history bound; shrinking drops the oldest entries now.
func (m *Merger) SetLimit(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.opts.MaxEntries = n
	before := len(m.entries)
	m.truncateLocked()
	changed := before != len(m.entries)
	var snap protocol.Snapshot
	if changed {
		snap = m.publishableLocked()
	}
	m.mu.Unlock()

	if changed {
		m.publisher.Broadcast(snap)
	}
}

// SetLanguages applies to translations issued from now on.
func (m *Merger) SetLanguages(l Languages) {
	m.mu.Lock()
	m.opts.Languages = l
	m.mu.Unlock()
}

func (m *Merger) Languages() Languages {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts.Languages
}

// Reset clears the history for a new session. Results still in flight find
// no entry and are dropped.
func (m *Merger) Reset() {
	m.mu.Lock()
	for _, e := range m.entries {
		m.stopTrailingLocked(e)
	}
	m.entries = nil
	snap := m.publishableLocked()
	m.mu.Unlock()

	m.publisher.Broadcast(snap)
}

// Close stops timers, cancels outstanding translations and waits for them.
func (m *Merger) Close() {
	m.mu.Lock()
	m.closed = true
	for _, e := range m.entries {
		m.stopTrailingLocked(e)
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}
