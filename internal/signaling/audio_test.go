package signaling

import (
	"sync"
	"testing"
)

type fakeGain struct {
	mu           sync.Mutex
	gain         float64
	disconnected int
}

func (g *fakeGain) SetGain(gain float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gain = gain
}

func (g *fakeGain) Disconnect() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disconnected++
	return nil
}

func (g *fakeGain) current() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gain
}

type fakeAudioContext struct {
	mu      sync.Mutex
	gain    *fakeGain
	tracks  []string
	closed  int
}

func (a *fakeAudioContext) NewGain() (GainNode, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gain = &fakeGain{}
	return a.gain, nil
}

func (a *fakeAudioContext) Connect(track AudioTrack, _ GainNode) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tracks = append(a.tracks, track.ID())
	return nil
}

func (a *fakeAudioContext) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed++
	return nil
}

type fakeTrack string

func (t fakeTrack) ID() string { return string(t) }

func TestGraphVolumeClamped(t *testing.T) {
	actx := &fakeAudioContext{}
	g := NewGraph(actx)
	if err := g.Attach(fakeTrack("t-1")); err != nil {
		t.Fatalf("attaching track: %v", err)
	}

	cases := []struct {
		set  float64
		want float64
	}{
		{0.5, 0.5},
		{-1, 0},
		{2.5, 2},
		{1.0, 1.0},
	}
	for _, tc := range cases {
		g.SetVolume(tc.set)
		if g.Volume() != tc.want {
			t.Errorf("SetVolume(%v): volume = %v, want %v", tc.set, g.Volume(), tc.want)
		}
		if actx.gain.current() != tc.want {
			t.Errorf("SetVolume(%v): gain = %v, want %v", tc.set, actx.gain.current(), tc.want)
		}
	}
}

func TestGraphMutePreservesVolume(t *testing.T) {
	actx := &fakeAudioContext{}
	g := NewGraph(actx)
	if err := g.Attach(fakeTrack("t-1")); err != nil {
		t.Fatalf("attaching track: %v", err)
	}

	g.SetVolume(1.5)
	g.SetMuted(true)
	if actx.gain.current() != 0 {
		t.Errorf("gain while muted = %v, want 0", actx.gain.current())
	}
	if g.Volume() != 1.5 {
		t.Errorf("configured volume = %v, want 1.5 preserved under mute", g.Volume())
	}

	g.SetMuted(false)
	if actx.gain.current() != 1.5 {
		t.Errorf("gain after unmute = %v, want 1.5", actx.gain.current())
	}
}

func TestGraphAttachReusesGainNode(t *testing.T) {
	actx := &fakeAudioContext{}
	g := NewGraph(actx)

	g.SetMuted(true)
	if err := g.Attach(fakeTrack("t-1")); err != nil {
		t.Fatalf("attaching first track: %v", err)
	}
	first := actx.gain
	// The node created under mute starts silent.
	if first.current() != 0 {
		t.Errorf("gain created while muted = %v, want 0", first.current())
	}

	if err := g.Attach(fakeTrack("t-2")); err != nil {
		t.Fatalf("attaching second track: %v", err)
	}
	if actx.gain != first {
		t.Error("second attach created a new gain node")
	}
	if len(actx.tracks) != 2 {
		t.Errorf("connected %d tracks, want 2", len(actx.tracks))
	}
}

func TestGraphTeardownOnce(t *testing.T) {
	actx := &fakeAudioContext{}
	g := NewGraph(actx)
	if err := g.Attach(fakeTrack("t-1")); err != nil {
		t.Fatalf("attaching track: %v", err)
	}

	if err := g.Teardown(); err != nil {
		t.Fatalf("tearing down: %v", err)
	}
	if err := g.Teardown(); err != nil {
		t.Fatalf("second teardown: %v", err)
	}

	if actx.gain.disconnected != 1 {
		t.Errorf("gain disconnected %d times, want 1", actx.gain.disconnected)
	}
	if actx.closed != 1 {
		t.Errorf("context closed %d times, want 1", actx.closed)
	}
}
