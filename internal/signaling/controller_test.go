package signaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeRegistration scripts Register outcomes and records lifecycle calls.
type fakeRegistration struct {
	mu            sync.Mutex
	registerErrs  []error
	registerCalls int
	unregistered  bool
	closed        bool
	onState       func(RegState)
}

func (f *fakeRegistration) Register(_ context.Context) error {
	f.mu.Lock()
	f.registerCalls++
	var err error
	if len(f.registerErrs) > 0 {
		err = f.registerErrs[0]
		f.registerErrs = f.registerErrs[1:]
	}
	onState := f.onState
	f.mu.Unlock()

	if err == nil && onState != nil {
		onState(RegRegistered)
	}
	return err
}

func (f *fakeRegistration) Unregister(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = true
	return nil
}

func (f *fakeRegistration) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeRegistration) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registerCalls
}

// fakeFactory builds scripted registrations and counts builds.
type fakeFactory struct {
	mu     sync.Mutex
	regs   []*fakeRegistration
	script [][]error // Register outcomes for the i-th built registration
	err    error
}

func (f *fakeFactory) build(onState func(RegState)) (Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	reg := &fakeRegistration{onState: onState}
	if len(f.script) > len(f.regs) {
		reg.registerErrs = f.script[len(f.regs)]
	}
	f.regs = append(f.regs, reg)
	return reg, nil
}

func (f *fakeFactory) builds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.regs)
}

type fakeWakeLock struct {
	mu       sync.Mutex
	held     bool
	acquires int
	releases int
}

func (w *fakeWakeLock) Acquire() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.held = true
	w.acquires++
	return nil
}

func (w *fakeWakeLock) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.held = false
	w.releases++
	return nil
}

func (w *fakeWakeLock) Held() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.held
}

// fakeSession is a scriptable live session.
type fakeSession struct {
	mu         sync.Mutex
	state      SessionState
	dtmf       []string
	hungUp     bool
	aborted    bool
	candidates chan Candidate
}

func newFakeSession() *fakeSession {
	return &fakeSession{state: SessionEstablishing, candidates: make(chan Candidate, 8)}
}

func (s *fakeSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) SendDTMF(_ context.Context, digits string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dtmf = append(s.dtmf, digits)
	return nil
}

func (s *fakeSession) Hangup(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hungUp = true
	return nil
}

func (s *fakeSession) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	return nil
}

func (s *fakeSession) wasAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

func (s *fakeSession) AudioTracks() []AudioTrack { return nil }

func (s *fakeSession) Candidates() <-chan Candidate { return s.candidates }

type fakeDialer struct {
	session *fakeSession
	err     error
}

func (d *fakeDialer) Dial(_ context.Context, _, _ string) (Session, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.session, nil
}

func newTestController(t *testing.T, factory *fakeFactory, dialer Dialer, wakeLock WakeLock) *Controller {
	t.Helper()
	c := NewController(factory.build, dialer, wakeLock, nil, nil)
	c.delay = 5 * time.Millisecond
	return c
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartRegisters(t *testing.T) {
	factory := &fakeFactory{}
	c := newTestController(t, factory, nil, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("starting: %v", err)
	}
	if !c.Online() {
		t.Error("controller offline after successful registration")
	}
	if factory.builds() != 1 {
		t.Errorf("factory built %d registrations, want 1", factory.builds())
	}
}

func TestRegistrationLossTriggersOneReconnect(t *testing.T) {
	factory := &fakeFactory{}
	c := newTestController(t, factory, nil, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("starting: %v", err)
	}
	reg := factory.regs[0]
	base := reg.calls()

	// The drop, a visibility change and a second drop all land inside the
	// debounce window; only one attempt may result.
	c.HandleRegistrationState(RegUnregistered)
	c.HandleVisibilityRegained()
	c.HandleRegistrationState(RegUnregistered)

	waitFor(t, "reconnect attempt", func() bool { return reg.calls() > base })
	time.Sleep(5 * c.delay)
	if got := reg.calls() - base; got != 1 {
		t.Errorf("got %d reconnect attempts, want 1", got)
	}
	if !c.Online() {
		t.Error("controller offline after successful reconnect")
	}
}

func TestNoReconnectDuringEstablishedSession(t *testing.T) {
	factory := &fakeFactory{}
	sess := newFakeSession()
	c := newTestController(t, factory, &fakeDialer{session: sess}, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("starting: %v", err)
	}
	reg := factory.regs[0]

	if _, err := c.PlaceCall(context.Background(), "555-0100", CallOptions{}); err != nil {
		t.Fatalf("placing call: %v", err)
	}
	c.HandleSessionState(SessionEstablished)

	base := reg.calls()
	c.HandleRegistrationState(RegUnregistered)
	c.HandleVisibilityRegained()

	time.Sleep(5 * c.delay)
	if got := reg.calls() - base; got != 0 {
		t.Errorf("got %d reconnect attempts during established call, want 0", got)
	}

	// Once the call ends the usual policy applies again.
	c.HandleSessionState(SessionTerminated)
	c.HandleVisibilityRegained()
	waitFor(t, "reconnect after call end", func() bool { return reg.calls() > base })
}

func TestReconnectSkippedWhenCallEstablishesInDebounceWindow(t *testing.T) {
	factory := &fakeFactory{}
	sess := newFakeSession()
	c := newTestController(t, factory, &fakeDialer{session: sess}, nil)
	c.delay = 50 * time.Millisecond
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("starting: %v", err)
	}
	reg := factory.regs[0]
	base := reg.calls()

	// The drop schedules a reconnect, then a call establishes before the
	// debounce timer fires. The pending attempt must be dropped.
	c.HandleRegistrationState(RegUnregistered)
	if _, err := c.PlaceCall(context.Background(), "555-0100", CallOptions{}); err != nil {
		t.Fatalf("placing call: %v", err)
	}
	c.HandleSessionState(SessionEstablished)

	time.Sleep(3 * c.delay)
	if got := reg.calls() - base; got != 0 {
		t.Errorf("got %d register attempts during established call, want 0", got)
	}

	// After the call ends the guarded path works again.
	c.HandleSessionState(SessionTerminated)
	c.HandleVisibilityRegained()
	waitFor(t, "reconnect after call end", func() bool { return reg.calls() > base })
}

func TestManualRetryIgnoredDuringEstablishedCall(t *testing.T) {
	factory := &fakeFactory{}
	sess := newFakeSession()
	c := newTestController(t, factory, &fakeDialer{session: sess}, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("starting: %v", err)
	}
	reg := factory.regs[0]

	if _, err := c.PlaceCall(context.Background(), "555-0100", CallOptions{}); err != nil {
		t.Fatalf("placing call: %v", err)
	}
	c.HandleSessionState(SessionEstablished)

	base := reg.calls()
	c.ManualRetry()
	time.Sleep(5 * c.delay)
	if got := reg.calls() - base; got != 0 {
		t.Errorf("got %d register attempts from manual retry during call, want 0", got)
	}

	c.HandleSessionState(SessionTerminated)
	c.ManualRetry()
	waitFor(t, "manual retry after call end", func() bool { return reg.calls() > base })
}

func TestReconnectRebuildsExactlyOnce(t *testing.T) {
	factory := &fakeFactory{script: [][]error{
		// First registration: initial Register succeeds, every retry fails.
		{nil, errors.New("register timeout"), errors.New("register timeout")},
		// Rebuilt registration: fails too, so the path gives up.
		{errors.New("still down")},
	}}
	c := newTestController(t, factory, nil, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("starting: %v", err)
	}

	c.HandleRegistrationState(RegUnregistered)
	waitFor(t, "registration rebuild", func() bool { return factory.builds() == 2 })
	waitFor(t, "rebuilt register attempt", func() bool { return factory.regs[1].calls() >= 1 })
	time.Sleep(5 * c.delay)

	if factory.builds() != 2 {
		t.Errorf("factory built %d registrations, want 2 (initial + one rebuild)", factory.builds())
	}
	if !factory.regs[0].closed {
		t.Error("replaced registration was not closed")
	}

	// Another loss signal reconnects on the rebuilt object but must not
	// rebuild again; the path is exhausted until manual retry.
	factory.mu.Lock()
	factory.regs[1].registerErrs = []error{errors.New("still down")}
	factory.mu.Unlock()
	c.HandleVisibilityRegained()
	time.Sleep(5 * c.delay)
	if factory.builds() != 2 {
		t.Errorf("automatic path rebuilt again: %d builds", factory.builds())
	}

	// Manual retry resets the rebuild allowance.
	factory.mu.Lock()
	factory.regs[1].registerErrs = []error{errors.New("still down")}
	factory.mu.Unlock()
	c.ManualRetry()
	waitFor(t, "rebuild after manual retry", func() bool { return factory.builds() == 3 })
	waitFor(t, "registration after manual retry", func() bool { return c.Online() })
}

func TestWakeLockFollowsSessionLifecycle(t *testing.T) {
	factory := &fakeFactory{}
	sess := newFakeSession()
	lock := &fakeWakeLock{}
	c := newTestController(t, factory, &fakeDialer{session: sess}, lock)

	if _, err := c.PlaceCall(context.Background(), "555-0100", CallOptions{}); err != nil {
		t.Fatalf("placing call: %v", err)
	}

	c.HandleSessionState(SessionEstablished)
	if !lock.Held() {
		t.Fatal("wake lock not held after establish")
	}

	// Platform revokes the lock mid-call; it is re-acquired.
	lock.mu.Lock()
	lock.held = false
	lock.mu.Unlock()
	c.HandleWakeLockRevoked()
	if !lock.Held() {
		t.Error("wake lock not re-acquired after revocation mid-call")
	}

	c.HandleSessionState(SessionTerminated)
	if lock.Held() {
		t.Error("wake lock still held after termination")
	}

	// A revocation event arriving after the call must not re-acquire.
	c.HandleWakeLockRevoked()
	if lock.Held() {
		t.Error("wake lock re-acquired after call ended")
	}
}

func TestPlaceCallRejectsConcurrentSession(t *testing.T) {
	factory := &fakeFactory{}
	sess := newFakeSession()
	c := newTestController(t, factory, &fakeDialer{session: sess}, nil)

	if _, err := c.PlaceCall(context.Background(), "555-0100", CallOptions{}); err != nil {
		t.Fatalf("placing call: %v", err)
	}
	if _, err := c.PlaceCall(context.Background(), "555-0199", CallOptions{}); err == nil {
		t.Fatal("second concurrent call was not rejected")
	}

	c.HandleSessionState(SessionTerminated)
	if _, err := c.PlaceCall(context.Background(), "555-0199", CallOptions{}); err != nil {
		t.Errorf("call after termination rejected: %v", err)
	}
}

func TestRelayOnlyAbortsWithoutRelayCandidate(t *testing.T) {
	factory := &fakeFactory{}
	sess := newFakeSession()
	c := newTestController(t, factory, &fakeDialer{session: sess}, nil)

	if _, err := c.PlaceCall(context.Background(), "555-0100", CallOptions{RelayOnly: true}); err != nil {
		t.Fatalf("placing call: %v", err)
	}

	sess.candidates <- Candidate{Type: "host"}
	sess.candidates <- Candidate{Type: "srflx"}
	close(sess.candidates)

	waitFor(t, "relay-only abort", sess.wasAborted)
}

func TestRelayOnlyKeepsCallWithRelayCandidate(t *testing.T) {
	factory := &fakeFactory{}
	sess := newFakeSession()
	c := newTestController(t, factory, &fakeDialer{session: sess}, nil)

	if _, err := c.PlaceCall(context.Background(), "555-0100", CallOptions{RelayOnly: true}); err != nil {
		t.Fatalf("placing call: %v", err)
	}

	sess.candidates <- Candidate{Type: "host"}
	sess.candidates <- Candidate{Type: "relay"}
	close(sess.candidates)

	time.Sleep(20 * time.Millisecond)
	if sess.wasAborted() {
		t.Error("relay-only call aborted despite relay candidate")
	}
}

func TestSessionOperationsRequireSession(t *testing.T) {
	c := newTestController(t, &fakeFactory{}, nil, nil)
	ctx := context.Background()

	if err := c.SendDTMF(ctx, "1"); !errors.Is(err, ErrNoSession) {
		t.Errorf("SendDTMF without session: err = %v, want ErrNoSession", err)
	}
	if err := c.Hangup(ctx); !errors.Is(err, ErrNoSession) {
		t.Errorf("Hangup without session: err = %v, want ErrNoSession", err)
	}
}
