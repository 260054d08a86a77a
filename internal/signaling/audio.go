package signaling

import (
	"fmt"
	"sync"
)

// GainNode applies a volume multiplier to audio routed through it.
type GainNode interface {
	SetGain(gain float64)
	Disconnect() error
}

// AudioContext is the platform audio processing context a graph lives in.
type AudioContext interface {
	NewGain() (GainNode, error)
	Connect(track AudioTrack, node GainNode) error
	Close() error
}

// Graph routes a session's inbound audio tracks through a gain node so volume
// and mute can be adjusted independently of the platform's native element
// volume. Teardown runs exactly once per session no matter which terminal
// path reaches it first.
type Graph struct {
	ctx  AudioContext
	once sync.Once

	mu     sync.Mutex
	gain   GainNode
	volume float64
	muted  bool
}

// NewGraph creates an audio graph over the given context with volume 1.0.
func NewGraph(ctx AudioContext) *Graph {
	return &Graph{ctx: ctx, volume: 1.0}
}

// Attach routes a track through the graph's gain node, creating the node on
// first use.
func (g *Graph) Attach(track AudioTrack) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.gain == nil {
		node, err := g.ctx.NewGain()
		if err != nil {
			return fmt.Errorf("creating gain node: %w", err)
		}
		node.SetGain(g.effectiveGain())
		g.gain = node
	}

	if err := g.ctx.Connect(track, g.gain); err != nil {
		return fmt.Errorf("connecting track %s: %w", track.ID(), err)
	}
	return nil
}

// SetVolume adjusts the volume multiplier, clamped to [0, 2].
func (g *Graph) SetVolume(volume float64) {
	if volume < 0 {
		volume = 0
	}
	if volume > 2 {
		volume = 2
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.volume = volume
	if g.gain != nil {
		g.gain.SetGain(g.effectiveGain())
	}
}

// SetMuted toggles mute without losing the configured volume.
func (g *Graph) SetMuted(muted bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.muted = muted
	if g.gain != nil {
		g.gain.SetGain(g.effectiveGain())
	}
}

// Volume returns the configured volume multiplier.
func (g *Graph) Volume() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.volume
}

// Muted reports whether the graph is muted.
func (g *Graph) Muted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.muted
}

// Teardown disconnects all nodes and closes the audio context. Safe to call
// from multiple terminal paths; only the first call does anything.
func (g *Graph) Teardown() error {
	var err error
	g.once.Do(func() {
		g.mu.Lock()
		gain := g.gain
		g.gain = nil
		g.mu.Unlock()

		if gain != nil {
			if derr := gain.Disconnect(); derr != nil {
				err = fmt.Errorf("disconnecting gain node: %w", derr)
			}
		}
		if cerr := g.ctx.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing audio context: %w", cerr)
		}
	})
	return err
}

func (g *Graph) effectiveGain() float64 {
	if g.muted {
		return 0
	}
	return g.volume
}
