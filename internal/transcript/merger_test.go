package transcript

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/surface"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type call struct {
	text    string
	release chan string
}

// gatedTranslator hands every request to the test, which decides when and
// with what each one completes.
type gatedTranslator struct {
	calls chan call
}

func newGatedTranslator() *gatedTranslator {
	return &gatedTranslator{calls: make(chan call, 64)}
}

func (g *gatedTranslator) Translate(ctx context.Context, text, from, to, model string) string {
	c := call{text: text, release: make(chan string, 1)}
	g.calls <- c
	select {
	case out := <-c.release:
		return out
	case <-ctx.Done():
		return text
	}
}

func (g *gatedTranslator) next(t *testing.T) call {
	t.Helper()
	select {
	case c := <-g.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a translation request")
		return call{}
	}
}

func (g *gatedTranslator) none(t *testing.T) {
	t.Helper()
	select {
	case c := <-g.calls:
		t.Fatalf("unexpected translation request for %q", c.text)
	case <-time.After(30 * time.Millisecond):
	}
}

type instantTranslator struct{}

func (instantTranslator) Translate(_ context.Context, text, _, to, _ string) string {
	return "[" + to + "] " + text
}

type recorder struct {
	mu    sync.Mutex
	snaps []protocol.Snapshot
	ch    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan struct{}, 256)}
}

func (r *recorder) Broadcast(s protocol.Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
	select {
	case r.ch <- struct{}{}:
	default:
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTimer struct {
	fn      func()
	stopped bool
}

func (f *fakeTimer) Stop() bool {
	was := !f.stopped
	f.stopped = true
	return was
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(_ time.Duration, fn func()) timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// FireActive runs every timer that has not been stopped.
func (s *fakeScheduler) FireActive() int {
	s.mu.Lock()
	var live []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped {
			t.stopped = true
			live = append(live, t)
		}
	}
	s.mu.Unlock()
	for _, t := range live {
		t.fn()
	}
	return len(live)
}

func newTestMerger(t *testing.T, tr Translator, pub Publisher) (*Merger, *fakeClock, *fakeScheduler) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	sched := &fakeScheduler{}
	m := NewMerger(context.Background(), Options{
		MaxEntries:       50,
		InterimGrowth:    25,
		InterimInterval:  1500 * time.Millisecond,
		TranslateTimeout: 5 * time.Second,
		Languages:        Languages{From: "en-US", To: "zh", Model: "none"},
	}, tr, pub, newLogger())
	m.clock = clock.Now
	m.afterFunc = sched.AfterFunc
	ids := 0
	m.newID = func() string {
		ids++
		return fmt.Sprintf("entry-%d", ids)
	}
	t.Cleanup(m.Close)
	return m, clock, sched
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestInterimReplacedInPlaceAndFinalKeepsID(t *testing.T) {
	m, clock, _ := newTestMerger(t, instantTranslator{}, newRecorder())

	m.Ingest(protocol.RecognitionEvent{Text: "hel"})
	clock.Advance(100 * time.Millisecond)
	m.Ingest(protocol.RecognitionEvent{Text: "hello"})

	snap := m.Snapshot()
	if len(snap.Entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(snap.Entries))
	}
	id := snap.Entries[0].ID
	if snap.Entries[0].Original != "hello" || snap.Entries[0].IsFinal {
		t.Fatalf("unexpected head %+v", snap.Entries[0])
	}

	m.Ingest(protocol.RecognitionEvent{Text: "hello world", IsFinal: true})
	waitFor(t, func() bool {
		return m.Snapshot().Entries[0].Translated == "[zh] hello world"
	})
	snap = m.Snapshot()
	if len(snap.Entries) != 1 || snap.Entries[0].ID != id || !snap.Entries[0].IsFinal {
		t.Fatalf("expected finalized entry to keep id %s, got %+v", id, snap.Entries)
	}
}

func TestFinalEventsAppendAndEvictOldest(t *testing.T) {
	m, _, _ := newTestMerger(t, instantTranslator{}, newRecorder())
	m.SetLimit(3)

	for i := 1; i <= 5; i++ {
		m.Ingest(protocol.RecognitionEvent{Text: fmt.Sprintf("line %d", i), IsFinal: true})
	}
	snap := m.Snapshot()
	if len(snap.Entries) != 3 {
		t.Fatalf("expected history bounded to 3, got %d", len(snap.Entries))
	}
	for i, want := range []string{"line 5", "line 4", "line 3"} {
		if snap.Entries[i].Original != want {
			t.Fatalf("entry %d: got %q want %q", i, snap.Entries[i].Original, want)
		}
	}
}

func TestBlankTextIgnored(t *testing.T) {
	rec := newRecorder()
	m, _, _ := newTestMerger(t, instantTranslator{}, rec)
	m.Ingest(protocol.RecognitionEvent{Text: "   ", IsFinal: true})
	m.Ingest(protocol.RecognitionEvent{Text: ""})
	if len(m.Snapshot().Entries) != 0 || rec.count() != 0 {
		t.Fatalf("blank events must not change history")
	}
}

func TestInterimGateLimitsTranslationRate(t *testing.T) {
	tr := newGatedTranslator()
	m, clock, _ := newTestMerger(t, tr, newRecorder())

	text := "a"
	m.Ingest(protocol.RecognitionEvent{Text: text})
	first := tr.next(t)
	first.release <- "A"

	// 1 char growth every 100ms stays under the growth threshold.
	for i := 1; i < 15; i++ {
		clock.Advance(100 * time.Millisecond)
		text += "b"
		m.Ingest(protocol.RecognitionEvent{Text: text})
	}
	tr.none(t)

	clock.Advance(100 * time.Millisecond)
	text += "c"
	m.Ingest(protocol.RecognitionEvent{Text: text})
	c := tr.next(t)
	if c.text != text {
		t.Fatalf("expected latest text at interval, got %q", c.text)
	}
	c.release <- "B"
}

func TestInterimGrowthTriggersImmediately(t *testing.T) {
	tr := newGatedTranslator()
	m, clock, _ := newTestMerger(t, tr, newRecorder())

	m.Ingest(protocol.RecognitionEvent{Text: "short"})
	tr.next(t).release <- "x"

	clock.Advance(10 * time.Millisecond)
	long := "short" + strings.Repeat("z", 26)
	m.Ingest(protocol.RecognitionEvent{Text: long})
	if c := tr.next(t); c.text != long {
		t.Fatalf("expected growth trigger for %q, got %q", long, c.text)
	} else {
		c.release <- "y"
	}
}

func TestTrailingTimerTranslatesLastInterim(t *testing.T) {
	tr := newGatedTranslator()
	m, clock, sched := newTestMerger(t, tr, newRecorder())

	m.Ingest(protocol.RecognitionEvent{Text: "hello"})
	tr.next(t).release <- "first"

	clock.Advance(200 * time.Millisecond)
	m.Ingest(protocol.RecognitionEvent{Text: "hello th"})
	tr.none(t)

	clock.Advance(1500 * time.Millisecond)
	if n := sched.FireActive(); n != 1 {
		t.Fatalf("expected one pending trailing timer, got %d", n)
	}
	c := tr.next(t)
	if c.text != "hello th" {
		t.Fatalf("expected trailing translation of last interim, got %q", c.text)
	}
	c.release <- "trailing"
	waitFor(t, func() bool { return m.Snapshot().Entries[0].Translated == "trailing" })
}

func TestFinalCancelsTrailingTimer(t *testing.T) {
	tr := newGatedTranslator()
	m, clock, sched := newTestMerger(t, tr, newRecorder())

	m.Ingest(protocol.RecognitionEvent{Text: "one"})
	tr.next(t).release <- "1"
	clock.Advance(100 * time.Millisecond)
	m.Ingest(protocol.RecognitionEvent{Text: "one two"})
	m.Ingest(protocol.RecognitionEvent{Text: "one two three", IsFinal: true})
	tr.next(t).release <- "final"

	if n := sched.FireActive(); n != 0 {
		t.Fatalf("expected trailing timer stopped by final, %d still active", n)
	}
	tr.none(t)
}

func TestSupersededResultsDiscarded(t *testing.T) {
	tr := newGatedTranslator()
	rec := newRecorder()
	m, clock, _ := newTestMerger(t, tr, rec)

	m.Ingest(protocol.RecognitionEvent{Text: "A"})
	a := tr.next(t)

	clock.Advance(2 * time.Second)
	m.Ingest(protocol.RecognitionEvent{Text: "A B"})
	b := tr.next(t)

	m.Ingest(protocol.RecognitionEvent{Text: "A B C", IsFinal: true})
	c := tr.next(t)

	c.release <- "final C"
	waitFor(t, func() bool { return m.Snapshot().Entries[0].Translated == "final C" })

	a.release <- "stale A"
	b.release <- "stale B"
	// Give the stale goroutines time to attempt their patch.
	time.Sleep(50 * time.Millisecond)

	snap := m.Snapshot()
	if got := snap.Entries[0].Translated; got != "final C" {
		t.Fatalf("superseded result overwrote final translation: %q", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, s := range rec.snaps {
		for _, e := range s.Entries {
			if e.Translated == "stale A" || e.Translated == "stale B" {
				t.Fatalf("superseded result was published: %+v", e)
			}
		}
	}
}

func TestFinalTranslationPatchesByID(t *testing.T) {
	tr := newGatedTranslator()
	m, _, _ := newTestMerger(t, tr, newRecorder())

	m.Ingest(protocol.RecognitionEvent{Text: "first", IsFinal: true})
	first := tr.next(t)
	m.Ingest(protocol.RecognitionEvent{Text: "second", IsFinal: true})
	second := tr.next(t)

	second.release <- "2"
	first.release <- "1"
	waitFor(t, func() bool {
		s := m.Snapshot()
		return s.Entries[0].Translated == "2" && s.Entries[1].Translated == "1"
	})
}

func TestSetLimitTruncatesImmediately(t *testing.T) {
	rec := newRecorder()
	m, _, _ := newTestMerger(t, instantTranslator{}, rec)
	for i := 0; i < 10; i++ {
		m.Ingest(protocol.RecognitionEvent{Text: fmt.Sprintf("n%d", i), IsFinal: true})
	}
	m.SetLimit(4)
	snap := m.Snapshot()
	if len(snap.Entries) != 4 || snap.Entries[0].Original != "n9" || snap.Entries[3].Original != "n6" {
		t.Fatalf("unexpected history after shrink: %+v", snap.Entries)
	}
}

func TestResetClearsHistoryAndDropsInflight(t *testing.T) {
	tr := newGatedTranslator()
	m, _, _ := newTestMerger(t, tr, newRecorder())

	m.Ingest(protocol.RecognitionEvent{Text: "before reset", IsFinal: true})
	pending := tr.next(t)
	m.Reset()
	pending.release <- "late"
	time.Sleep(30 * time.Millisecond)
	if n := len(m.Snapshot().Entries); n != 0 {
		t.Fatalf("expected empty history after reset, got %d entries", n)
	}
}

func TestSetLanguagesAppliesToNextRequest(t *testing.T) {
	m, _, _ := newTestMerger(t, instantTranslator{}, newRecorder())
	m.SetLanguages(Languages{From: "en", To: "ja"})
	m.Ingest(protocol.RecognitionEvent{Text: "hi", IsFinal: true})
	waitFor(t, func() bool { return m.Snapshot().Entries[0].Translated == "[ja] hi" })
	if got := m.Languages().To; got != "ja" {
		t.Fatalf("expected ja, got %s", got)
	}
}

func TestConcurrentIngestKeepsSingleInterimHead(t *testing.T) {
	m, _, _ := newTestMerger(t, instantTranslator{}, newRecorder())
	var wg sync.WaitGroup
	for src := 0; src < 4; src++ {
		wg.Add(1)
		go func(src int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				m.Ingest(protocol.RecognitionEvent{
					SourceID: fmt.Sprintf("src-%d", src),
					Text:     fmt.Sprintf("s%d-%d", src, i),
					IsFinal:  i%10 == 9,
				})
			}
		}(src)
	}
	wg.Wait()

	snap := m.Snapshot()
	if len(snap.Entries) > 50 {
		t.Fatalf("history exceeded bound: %d", len(snap.Entries))
	}
	for i, e := range snap.Entries {
		if i > 0 && !e.IsFinal {
			t.Fatalf("non-final entry found below head at %d", i)
		}
	}
}

// holdingPublisher stalls the first snapshot matching hold until released,
// then forwards everything to next.
type holdingPublisher struct {
	next    Publisher
	hold    func(protocol.Snapshot) bool
	held    chan struct{}
	release chan struct{}
	once    sync.Once
}

func (h *holdingPublisher) Broadcast(s protocol.Snapshot) {
	if h.hold(s) {
		h.once.Do(func() {
			close(h.held)
			<-h.release
		})
	}
	h.next.Broadcast(s)
}

func TestLateSnapshotDoesNotOverwriteNewerState(t *testing.T) {
	b := surface.NewBroadcaster(context.Background(), newLogger())
	defer b.Close()
	pub := &holdingPublisher{
		next:    b,
		held:    make(chan struct{}),
		release: make(chan struct{}),
		hold: func(s protocol.Snapshot) bool {
			return len(s.Entries) == 2 && s.Entries[0].Translated == "" && s.Entries[1].Translated == "A"
		},
	}
	tr := newGatedTranslator()
	m, _, _ := newTestMerger(t, tr, pub)

	m.Ingest(protocol.RecognitionEvent{Text: "a", IsFinal: true})
	first := tr.next(t)
	m.Ingest(protocol.RecognitionEvent{Text: "b", IsFinal: true})
	second := tr.next(t)

	first.release <- "A"
	select {
	case <-pub.held:
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot for the first translation never published")
	}
	second.release <- "B"
	waitFor(t, func() bool {
		latest := b.Latest()
		return len(latest.Entries) == 2 && latest.Entries[0].Translated == "B"
	})

	close(pub.release)
	m.Close()

	latest := b.Latest()
	if latest.Entries[0].Translated != "B" || latest.Entries[1].Translated != "A" {
		t.Fatalf("surfaces left with stale state: %+v", latest.Entries)
	}
	if merged := m.Snapshot(); latest.Version != merged.Version {
		t.Fatalf("broadcaster at version %d, merger at %d", latest.Version, merged.Version)
	}
}

func TestSnapshotVersionsIncrease(t *testing.T) {
	rec := newRecorder()
	m, _, _ := newTestMerger(t, instantTranslator{}, rec)
	m.Ingest(protocol.RecognitionEvent{Text: "one", IsFinal: true})
	m.Ingest(protocol.RecognitionEvent{Text: "two", IsFinal: true})
	waitFor(t, func() bool { return rec.count() == 4 })
	m.Reset()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	seen := make(map[uint64]bool)
	for _, s := range rec.snaps {
		if s.Version == 0 || seen[s.Version] {
			t.Fatalf("expected distinct non-zero versions, got %d", s.Version)
		}
		seen[s.Version] = true
	}
	if last := rec.snaps[len(rec.snaps)-1]; len(last.Entries) != 0 {
		t.Fatalf("reset snapshot should be empty, got %+v", last)
	}
}
