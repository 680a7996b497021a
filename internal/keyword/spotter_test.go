package keyword

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/verdureai/verdure/internal/resilience"
	"github.com/verdureai/verdure/pkg/audio"
	"github.com/verdureai/verdure/pkg/audio/mock"
)

// waitFor polls cond until it is true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// fakeRecognizer records feeds and lets tests fire detections on demand.
type fakeRecognizer struct {
	mu       sync.Mutex
	started  bool
	closed   bool
	closedAt time.Time
	fed      int
	onDetect func(Detection)
}

func (f *fakeRecognizer) Start(onDetect func(Detection)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	f.onDetect = onDetect
	return nil
}

func (f *fakeRecognizer) Feed(pcm []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fed++
}

func (f *fakeRecognizer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closedAt = time.Now()
	return nil
}

func (f *fakeRecognizer) fedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fed
}

func (f *fakeRecognizer) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// detect fires a detection as the recognizer's processing goroutine would.
func (f *fakeRecognizer) detect(d Detection) {
	f.mu.Lock()
	onDetect := f.onDetect
	f.mu.Unlock()
	if onDetect != nil {
		onDetect(d)
	}
}

// fakeFactory hands out fakeRecognizers and can be flipped into a failing
// mode.
type fakeFactory struct {
	mu       sync.Mutex
	made     []*fakeRecognizer
	madeAt   []time.Time
	attempts int
	err      error
}

func (f *fakeFactory) new() (Recognizer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.err != nil {
		return nil, f.err
	}
	r := &fakeRecognizer{}
	f.made = append(f.made, r)
	f.madeAt = append(f.madeAt, time.Now())
	return r, nil
}

func (f *fakeFactory) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeFactory) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.made)
}

func (f *fakeFactory) rec(i int) *fakeRecognizer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.made[i]
}

func (f *fakeFactory) createdAt(i int) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.madeAt[i]
}

// newTestSpotter wires a spotter to a hub backed by a mock input device with
// the capture stream already running.
func newTestSpotter(t *testing.T, opts ...SpotterOption) (*Spotter, *fakeFactory, *mock.InputDevice) {
	t.Helper()

	dev := &mock.InputDevice{}
	hub := audio.NewCaptureHub(dev)
	if err := hub.Start(spotFormat); err != nil {
		t.Fatalf("start hub: %v", err)
	}
	t.Cleanup(func() { _ = hub.Stop() })

	fac := &fakeFactory{}
	s := NewSpotter(hub, fac.new, append([]SpotterOption{WithDisposeGap(time.Millisecond)}, opts...)...)
	t.Cleanup(func() { _ = s.Stop() })
	return s, fac, dev
}

func TestSpotter_FeedsRecognizer(t *testing.T) {
	t.Parallel()

	s, fac, dev := newTestSpotter(t)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if fac.count() != 1 {
		t.Fatalf("recognizers created = %d, want 1", fac.count())
	}

	dev.Inject(make([]byte, spotFormat.FrameBytes()))
	waitFor(t, time.Second, func() bool { return fac.rec(0).fedCount() > 0 })
}

func TestSpotter_StartWhileRunningIsNoOp(t *testing.T) {
	t.Parallel()

	s, fac, _ := newTestSpotter(t)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if fac.count() != 1 {
		t.Fatalf("recognizers created = %d, want 1", fac.count())
	}
}

func TestSpotter_ForwardsDetectionAndRecreates(t *testing.T) {
	t.Parallel()

	s, fac, _ := newTestSpotter(t)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	want := Detection{Keyword: "hey verdure", Confidence: 0.92, Model: "tiny.en"}
	fac.rec(0).detect(want)

	select {
	case got := <-s.Detections():
		if got != want {
			t.Fatalf("detection = %+v, want %+v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("no detection delivered")
	}

	// The recognizer is recreated after every detection.
	waitFor(t, time.Second, func() bool { return fac.count() == 2 })
	waitFor(t, time.Second, func() bool { return fac.rec(0).isClosed() })
}

func TestSpotter_RecreateHonorsDisposeGap(t *testing.T) {
	t.Parallel()

	const gap = 80 * time.Millisecond
	s, fac, _ := newTestSpotter(t, WithDisposeGap(gap))
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	fac.rec(0).detect(Detection{Keyword: "hey verdure"})
	<-s.Detections()
	waitFor(t, time.Second, func() bool { return fac.count() == 2 })

	// Allow a little scheduling slack below the configured gap.
	if elapsed := fac.createdAt(1).Sub(fac.createdAt(0)); elapsed < gap-20*time.Millisecond {
		t.Fatalf("recognizer recreated after %v, want at least ~%v", elapsed, gap)
	}
}

func TestSpotter_PauseSuspendsDelivery(t *testing.T) {
	t.Parallel()

	s, fac, dev := newTestSpotter(t)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	dev.Inject(make([]byte, spotFormat.FrameBytes()))
	waitFor(t, time.Second, func() bool { return fac.rec(0).fedCount() == 1 })

	s.Pause()
	dev.Inject(make([]byte, spotFormat.FrameBytes()))
	dev.Inject(make([]byte, spotFormat.FrameBytes()))
	time.Sleep(30 * time.Millisecond)
	if n := fac.rec(0).fedCount(); n != 1 {
		t.Fatalf("fed while paused: count = %d, want 1", n)
	}

	s.Resume()
	dev.Inject(make([]byte, spotFormat.FrameBytes()))
	waitFor(t, time.Second, func() bool { return fac.rec(0).fedCount() == 2 })
}

func TestSpotter_StopDisposesRecognizer(t *testing.T) {
	t.Parallel()

	s, fac, _ := newTestSpotter(t)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !fac.rec(0).isClosed() {
		t.Fatal("recognizer not closed on stop")
	}

	// Stop on an idle spotter is a no-op.
	if err := s.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestSpotter_RestartFailureKeepsSubscriber(t *testing.T) {
	t.Parallel()

	s, fac, dev := newTestSpotter(t)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	errCreate := errors.New("model load failed")
	fac.setErr(errCreate)
	fac.rec(0).detect(Detection{Keyword: "hey verdure"})
	<-s.Detections()

	// The auto-restart fails, but the spotter keeps its subscriber slot and
	// a later restart recovers recognition. Attempt 2 is the failed
	// auto-restart; waiting for it keeps the explicit restart ordered.
	waitFor(t, time.Second, func() bool { return fac.attemptCount() == 2 })
	if !fac.rec(0).isClosed() {
		t.Fatal("old recognizer not disposed before recreate attempt")
	}
	fac.setErr(nil)
	if err := s.Restart(); err != nil {
		t.Fatalf("restart: %v", err)
	}

	dev.Inject(make([]byte, spotFormat.FrameBytes()))
	waitFor(t, time.Second, func() bool {
		return fac.count() == 2 && fac.rec(1).fedCount() > 0
	})
}

func TestSpotter_SetFactorySwapsRecognizer(t *testing.T) {
	t.Parallel()

	s, fac, dev := newTestSpotter(t)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	next := &fakeFactory{}
	if err := s.SetFactory(next.new); err != nil {
		t.Fatalf("set factory: %v", err)
	}
	if !fac.rec(0).isClosed() {
		t.Fatal("old recognizer not closed on factory swap")
	}
	if next.count() != 1 {
		t.Fatalf("new factory recognizers = %d, want 1", next.count())
	}

	dev.Inject(make([]byte, spotFormat.FrameBytes()))
	waitFor(t, time.Second, func() bool { return next.rec(0).fedCount() > 0 })
}

func TestSpotter_GuardTripsDisableUntilReset(t *testing.T) {
	t.Parallel()

	guard := resilience.NewBreaker(resilience.BreakerConfig{
		Name:        "spotter-test",
		MaxFailures: 2,
	})
	s, fac, _ := newTestSpotter(t, WithRestartGuard(guard))
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	errCreate := errors.New("model load failed")
	fac.setErr(errCreate)

	// Two failing restarts trip the breaker; the third is rejected and
	// disables the spotter.
	if err := s.Restart(); !errors.Is(err, errCreate) {
		t.Fatalf("restart 1: err = %v, want errCreate", err)
	}
	if err := s.Restart(); !errors.Is(err, errCreate) {
		t.Fatalf("restart 2: err = %v, want errCreate", err)
	}
	if err := s.Restart(); !errors.Is(err, ErrSpotterDisabled) {
		t.Fatalf("restart 3: err = %v, want ErrSpotterDisabled", err)
	}
	if s.Enabled() {
		t.Fatal("spotter still enabled after guard tripped")
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Start(); !errors.Is(err, ErrSpotterDisabled) {
		t.Fatalf("start while disabled: err = %v, want ErrSpotterDisabled", err)
	}

	guard.Reset()
	s.Reset()
	fac.setErr(nil)
	if err := s.Start(); err != nil {
		t.Fatalf("start after reset: %v", err)
	}
}
