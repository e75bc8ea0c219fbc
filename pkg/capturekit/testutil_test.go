package capturekit

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/randalmurphal/capturekit/pkg/capturekit/delivery"
	"github.com/randalmurphal/capturekit/pkg/capturekit/event"
	"github.com/randalmurphal/capturekit/pkg/capturekit/storage"
)

// sent is one envelope handed to the fake gateway.
type sent struct {
	env  *event.Envelope
	opts delivery.Options
}

type fakeGateway struct {
	mu      sync.Mutex
	sent    []sent
	unloads int
	closed  bool
}

func (g *fakeGateway) Capture(env *event.Envelope, opts delivery.Options) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, sent{env: env, opts: opts})
}

func (g *fakeGateway) Unload() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unloads++
}

func (g *fakeGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

// events returns the names of everything sent, in order.
func (g *fakeGateway) events() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.sent))
	for _, s := range g.sent {
		names = append(names, s.env.Event)
	}
	return names
}

func (g *fakeGateway) last() sent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sent[len(g.sent)-1]
}

func (g *fakeGateway) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = nil
	g.unloads = 0
}

type fakeFlags struct {
	mu      sync.Mutex
	reloads int
	decides int
	resets  int
	paused  []bool
	closed  bool
}

func (f *fakeFlags) ReloadFeatureFlags() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
}

func (f *fakeFlags) SetReloadingPaused(paused bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, paused)
}

func (f *fakeFlags) ResetRequestQueue() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeFlags) Decide() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decides++
}

func (f *fakeFlags) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeFlags) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads, f.decides, f.resets, f.paused = 0, 0, 0, nil
}

func (f *fakeFlags) reloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reloads
}

type fakePeople struct {
	set     []event.Properties
	setOnce []event.Properties
}

func (p *fakePeople) Set(props event.Properties)     { p.set = append(p.set, props) }
func (p *fakePeople) SetOnce(props event.Properties) { p.setOnce = append(p.setOnce, props) }

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.UnixMilli(1603107460000)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// sequentialIDs returns a generator yielding id-1, id-2, ...
func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

// harness is a client wired to fakes.
type harness struct {
	client  *Client
	gateway *fakeGateway
	flags   *fakeFlags
	people  *fakePeople
	clock   *testClock
	storage *storage.MemoryStorage
}

func testConfig() Config {
	return Config{
		Token:                 "testtoken",
		PersistenceName:       "test",
		RequestBatching:       true,
		AdvancedDisableDecide: true,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHarness creates a client from cfg. The load sequence has already run;
// gateway and flag records are cleared before returning.
func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		gateway: &fakeGateway{},
		flags:   &fakeFlags{},
		people:  &fakePeople{},
		clock:   newTestClock(),
		storage: storage.NewMemoryStorage(),
	}
	base := []Option{
		WithLogger(discardLogger()),
		WithGateway(h.gateway),
		WithFeatureFlags(h.flags),
		WithPeople(h.people),
		WithClock(h.clock.Now),
		WithIDGenerator(sequentialIDs()),
		WithStorage(h.storage),
	}
	client, err := New(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	h.client = client
	h.gateway.reset()
	h.flags.clear()
	return h
}
