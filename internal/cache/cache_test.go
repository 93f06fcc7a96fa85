package cache

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"backendlink/internal/endpoint"
	"backendlink/internal/logging"
	"backendlink/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func testLogger() *logging.Logger {
	logger := logging.New(false)
	logger.SetTerminalOutputEnabled(false)
	return logger
}

func newTestCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	c, err := New(opts, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type task struct {
	ID    int      `json:"id"`
	Title string   `json:"title"`
	Tags  []string `json:"tags"`
}

func TestSetGet_RoundTripReturnsEqualValue(t *testing.T) {
	c := newTestCache(t, Options{})
	want := task{ID: 7, Title: "write report", Tags: []string{"a", "b"}}

	if err := Set(c, want, "/api/x", url.Values{}, 60*time.Second); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, ok := Get[task](c, "/api/x", url.Values{})
	if !ok {
		t.Fatalf("Get() miss after Set")
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Get() = %#v, want %#v", got, want)
	}
}

func TestTTL_FirstMatchingRuleWins(t *testing.T) {
	c := newTestCache(t, Options{Rules: Rules{
		{Pattern: "/api/tasks", TTL: 300 * time.Second},
		{Pattern: "/api/tasks/*", TTL: 180 * time.Second},
	}})

	if got := c.TTL("/api/tasks"); got != 300*time.Second {
		t.Fatalf("TTL(/api/tasks) = %v, want 5m", got)
	}
	if got := c.TTL("/api/tasks/42"); got != 180*time.Second {
		t.Fatalf("TTL(/api/tasks/42) = %v, want 3m", got)
	}
	if got := c.TTL("/api/other"); got != DefaultTTL {
		t.Fatalf("TTL(/api/other) = %v, want default", got)
	}
}

func TestTTL_BroadRuleListedFirstShadowsSpecificRule(t *testing.T) {
	c := newTestCache(t, Options{Rules: Rules{
		{Pattern: "/api/*", TTL: time.Minute, Policy: NetworkFirst},
		{Pattern: "/api/tasks/*", TTL: time.Hour, Policy: CacheOnly},
	}})

	if got := c.TTL("/api/tasks/1"); got != time.Minute {
		t.Fatalf("TTL = %v, want 1m from the first rule", got)
	}
	if got := c.PolicyFor("/api/tasks/1"); got != NetworkFirst {
		t.Fatalf("PolicyFor = %q, want network_first", got)
	}
	if got := c.PolicyFor("/elsewhere"); got != CacheFirst {
		t.Fatalf("PolicyFor(unmatched) = %q, want cache_first", got)
	}
}

func TestInvalidate_TwiceIsNoop(t *testing.T) {
	c := newTestCache(t, Options{Dir: t.TempDir()})
	if err := Set(c, task{ID: 1}, "/api/x", nil, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	c.Invalidate("/api/x", nil)
	c.Invalidate("/api/x", nil)

	if _, ok := Get[task](c, "/api/x", nil); ok {
		t.Fatalf("entry still present after invalidate")
	}
}

func TestGet_QueryOrderDoesNotChangeKey(t *testing.T) {
	c := newTestCache(t, Options{})
	first := url.Values{"b": {"2"}, "a": {"1", "0"}}
	second := url.Values{"a": {"0", "1"}, "b": {"2"}}

	if err := Set(c, task{ID: 3}, "/api/list", first, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, ok := Get[task](c, "/api/list", second); !ok {
		t.Fatalf("equivalent params missed the cache")
	}
}

func TestGet_ExpiredEntryIsNeverReturnedAndIsDropped(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, Options{Dir: t.TempDir(), Now: clock.Now})
	if err := Set(c, task{ID: 1}, "/api/x", nil, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	clock.Advance(time.Minute + time.Second)

	if _, ok := Get[task](c, "/api/x", nil); ok {
		t.Fatalf("expired entry served as fresh")
	}
	if _, freshness := c.Lookup("/api/x", nil); freshness != Miss {
		t.Fatalf("freshness after lazy drop = %v, want miss", freshness)
	}
}

func TestLookup_ExpiredEntryReportedStaleWithoutDropping(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, Options{Now: clock.Now})
	if _, err := c.Put(Write{Endpoint: "/api/x", Payload: []byte(`{"id":1}`), TTL: time.Minute}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	clock.Advance(2 * time.Minute)

	for range 2 {
		entry, freshness := c.Lookup("/api/x", nil)
		if freshness != Stale {
			t.Fatalf("freshness = %v, want stale", freshness)
		}
		if string(entry.Payload) != `{"id":1}` {
			t.Fatalf("payload = %q", entry.Payload)
		}
	}
}

func TestLookup_PersistedEntrySurvivesReopenAndIsPromoted(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()

	first, err := New(Options{Dir: dir, Now: clock.Now}, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := first.Put(Write{Endpoint: "/api/profile", Payload: []byte(`{"id":9}`), TTL: time.Hour, ETag: `"v1"`}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second := newTestCache(t, Options{Dir: dir, Now: clock.Now})
	if got := second.Stats().MemoryEntries; got != 0 {
		t.Fatalf("memory entries before lookup = %d", got)
	}
	entry, freshness := second.Lookup("/api/profile", nil)
	if freshness != Fresh {
		t.Fatalf("freshness = %v, want fresh", freshness)
	}
	if entry.ETag != `"v1"` || string(entry.Payload) != `{"id":9}` {
		t.Fatalf("entry = %#v", entry)
	}
	if got := second.Stats().MemoryEntries; got != 1 {
		t.Fatalf("memory entries after promotion = %d, want 1", got)
	}
}

func TestPromote_AfterInvalidateDoesNotRestoreEntry(t *testing.T) {
	c := newTestCache(t, Options{Dir: t.TempDir()})
	if _, err := c.Put(Write{Endpoint: "/api/profile", Payload: []byte(`{"id":9}`), TTL: time.Hour}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	c.Trim()

	key := endpoint.Key("/api/profile", nil)
	entry, ok, err := c.disk.get(key)
	if err != nil || !ok {
		t.Fatalf("disk.get() = %v, %v", ok, err)
	}
	// A lookup that read the disk record before the invalidation promotes late.
	c.Invalidate("/api/profile", nil)
	c.promote(key, entry)

	if got := c.Stats().MemoryEntries; got != 0 {
		t.Fatalf("memory entries = %d, want 0", got)
	}
	if _, ok := c.Get("/api/profile", nil); ok {
		t.Fatalf("invalidated entry was restored by promotion")
	}
}

func TestPromote_ReplacedRecordIsNotPromoted(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, Options{Dir: t.TempDir(), Now: clock.Now})
	if _, err := c.Put(Write{Endpoint: "/api/profile", Payload: []byte(`{"v":1}`), TTL: time.Hour}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	c.Trim()
	key := endpoint.Key("/api/profile", nil)
	stale, _, err := c.disk.get(key)
	if err != nil {
		t.Fatalf("disk.get() error = %v", err)
	}

	clock.Advance(time.Second)
	if _, err := c.Put(Write{Endpoint: "/api/profile", Payload: []byte(`{"v":2}`), TTL: time.Hour}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	c.Trim()
	c.promote(key, stale)

	if got := c.Stats().MemoryEntries; got != 0 {
		t.Fatalf("memory entries = %d, want 0", got)
	}
	entry, ok := c.Get("/api/profile", nil)
	if !ok || string(entry.Payload) != `{"v":2}` {
		t.Fatalf("Get() = %q, %v; want the newer record", entry.Payload, ok)
	}
}

func TestPut_OlderStampDoesNotOverwriteNewerEntry(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, Options{Dir: t.TempDir(), Now: clock.Now})
	start := clock.Now()

	stored, err := c.Put(Write{Endpoint: "/api/x", Payload: []byte(`"new"`), Stamp: start.Add(2 * time.Second)})
	if err != nil || !stored {
		t.Fatalf("Put(new) = %v, %v", stored, err)
	}
	stored, err = c.Put(Write{Endpoint: "/api/x", Payload: []byte(`"old"`), Stamp: start.Add(time.Second)})
	if err != nil {
		t.Fatalf("Put(old) error = %v", err)
	}
	if stored {
		t.Fatalf("older write replaced a newer entry")
	}
	got, ok := Get[string](c, "/api/x", nil)
	if !ok || got != "new" {
		t.Fatalf("Get() = %q, %v; want new", got, ok)
	}
	if c.Stats().StaleRejected != 1 {
		t.Fatalf("stale rejected = %d, want 1", c.Stats().StaleRejected)
	}
}

func TestInvalidateMatching_RemovesFromBothTiers(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, Options{Dir: dir})
	for _, path := range []string{"/api/tasks/1", "/api/tasks/2", "/api/users/1"} {
		if _, err := c.Put(Write{Endpoint: path, Payload: []byte(`{}`), TTL: time.Hour}); err != nil {
			t.Fatalf("Put(%s) error = %v", path, err)
		}
	}

	if got := c.InvalidateMatching("/api/tasks/*"); got != 2 {
		t.Fatalf("InvalidateMatching() = %d, want 2", got)
	}
	// Drop the memory tier so lookups must go to disk.
	c.Trim()
	if _, freshness := c.Lookup("/api/tasks/1", nil); freshness != Miss {
		t.Fatalf("/api/tasks/1 still on disk")
	}
	if _, freshness := c.Lookup("/api/users/1", nil); freshness != Fresh {
		t.Fatalf("/api/users/1 lost, freshness = %v", freshness)
	}
	if got := c.Stats().DiskEntries; got != 1 {
		t.Fatalf("disk entries = %d, want 1", got)
	}
}

func TestTrim_KeepsPersistedTier(t *testing.T) {
	c := newTestCache(t, Options{Dir: t.TempDir()})
	if err := Set(c, task{ID: 5}, "/api/x", nil, time.Hour); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	c.Trim()

	stats := c.Stats()
	if stats.MemoryEntries != 0 || stats.DiskEntries != 1 {
		t.Fatalf("stats after trim = %#v", stats)
	}
	if _, ok := Get[task](c, "/api/x", nil); !ok {
		t.Fatalf("entry not served from disk after trim")
	}
}

func TestMemoryTier_EvictsLeastRecentlyUsed(t *testing.T) {
	c := newTestCache(t, Options{MaxMemoryEntries: 2})
	for _, path := range []string{"/a", "/b"} {
		if _, err := c.Put(Write{Endpoint: path, Payload: []byte(`1`)}); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	if _, ok := c.Get("/a", nil); !ok {
		t.Fatalf("/a missing")
	}
	if _, err := c.Put(Write{Endpoint: "/c", Payload: []byte(`1`)}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if _, ok := c.Get("/b", nil); ok {
		t.Fatalf("/b should have been evicted")
	}
	if _, ok := c.Get("/a", nil); !ok {
		t.Fatalf("/a was evicted despite recent use")
	}
}

func TestClearExpired_SweepsBothTiers(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, Options{Dir: t.TempDir(), Now: clock.Now})
	if _, err := c.Put(Write{Endpoint: "/short", Payload: []byte(`1`), TTL: time.Minute}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := c.Put(Write{Endpoint: "/long", Payload: []byte(`1`), TTL: time.Hour}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	clock.Advance(2 * time.Minute)

	if got := c.ClearExpired(); got != 1 {
		t.Fatalf("ClearExpired() = %d, want 1", got)
	}
	stats := c.Stats()
	if stats.MemoryEntries != 1 || stats.DiskEntries != 1 {
		t.Fatalf("stats = %#v", stats)
	}
}

func TestClearAll_EmptiesEverything(t *testing.T) {
	c := newTestCache(t, Options{Dir: t.TempDir()})
	for _, path := range []string{"/a", "/b", "/c"} {
		if _, err := c.Put(Write{Endpoint: path, Payload: []byte(`1`)}); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	if err := c.ClearAll(); err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}
	stats := c.Stats()
	if stats.MemoryEntries != 0 || stats.DiskEntries != 0 {
		t.Fatalf("stats = %#v", stats)
	}
}

func TestTouch_ExtendsExpiry(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, Options{Now: clock.Now})
	if _, err := c.Put(Write{Endpoint: "/api/x", Payload: []byte(`1`), TTL: time.Minute, ETag: "e1"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	clock.Advance(2 * time.Minute)

	entry, ok := c.Touch("/api/x", nil, time.Minute)
	if !ok || entry.ETag != "e1" {
		t.Fatalf("Touch() = %#v, %v", entry, ok)
	}
	if _, ok := c.Get("/api/x", nil); !ok {
		t.Fatalf("touched entry not fresh")
	}
	if _, ok := c.Touch("/api/missing", nil, time.Minute); ok {
		t.Fatalf("Touch() on missing key reported success")
	}
}

func TestSweep_EnforcesDiskEntryCeiling(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, Options{Dir: t.TempDir(), MaxDiskEntries: 2, Now: clock.Now})
	for _, path := range []string{"/1", "/2", "/3"} {
		if _, err := c.Put(Write{Endpoint: path, Payload: []byte(`1`), TTL: time.Hour}); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		clock.Advance(time.Second)
	}

	_, evicted := c.Sweep()
	if evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	c.Trim()
	if _, freshness := c.Lookup("/1", nil); freshness != Miss {
		t.Fatalf("oldest entry survived size enforcement")
	}
}

func TestDiskTier_CorruptRecordIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, Options{Dir: dir})
	if _, err := c.Put(Write{Endpoint: "/ok", Payload: []byte(`1`)}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	bad := filepath.Join(dir, strings.Repeat("0", 64)+recordSuffix)
	if err := os.WriteFile(bad, []byte("not cbor"), 0o600); err != nil {
		t.Fatalf("write corrupt record: %v", err)
	}

	if got := c.Stats().DiskEntries; got != 1 {
		t.Fatalf("disk entries = %d, want 1", got)
	}
	if _, err := os.Stat(bad); !os.IsNotExist(err) {
		t.Fatalf("corrupt record not removed: %v", err)
	}
}

func TestRunSweeper_StopsOnCancel(t *testing.T) {
	c := newTestCache(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunSweeper(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("sweeper did not stop")
	}
}

func TestMetrics_LookupsAreCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := newTestCache(t, Options{Metrics: metrics.New(reg)})
	if _, err := c.Put(Write{Endpoint: "/api/x", Payload: []byte(`1`)}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	c.Get("/api/x", nil)
	c.Get("/api/y", nil)

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Writes != 1 {
		t.Fatalf("stats = %#v", stats)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, family := range families {
		if family.GetName() == "backendlink_cache_lookups_total" {
			found = true
		}
	}
	if !found {
		t.Fatalf("cache lookup metric not registered")
	}
}

func TestParsePolicy_AcceptsCommonSpellings(t *testing.T) {
	cases := map[string]Policy{
		"cacheFirst":        CacheFirst,
		"cache-and-network": CacheAndNetwork,
		" NETWORK_ONLY ":    NetworkOnly,
		"networkFirst":      NetworkFirst,
		"cache only":        CacheOnly,
	}
	for raw, want := range cases {
		got, err := ParsePolicy(raw)
		if err != nil || got != want {
			t.Fatalf("ParsePolicy(%q) = %q, %v; want %q", raw, got, err, want)
		}
	}
	if _, err := ParsePolicy("sometimes"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}

func TestNew_RejectsInvalidRules(t *testing.T) {
	if _, err := New(Options{Rules: Rules{{Pattern: " "}}}, testLogger()); err == nil {
		t.Fatalf("expected error for blank pattern")
	}
	if _, err := New(Options{Rules: Rules{{Pattern: "/x", Policy: "bogus"}}}, testLogger()); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
