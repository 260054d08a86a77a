package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNoSession is returned when an operation needs an active session and
// none exists.
var ErrNoSession = errors.New("no active signaling session")

// ErrNoRelayCandidate is returned when a relay-only call is aborted because
// ICE gathering completed without producing a relay candidate.
var ErrNoRelayCandidate = errors.New("no relay candidate before gathering completed")

// WakeLock keeps the host device's screen awake. Platforms may revoke a held
// lock at any time.
type WakeLock interface {
	Acquire() error
	Release() error
	Held() bool
}

// CallOptions carries per-call extras for outbound calls.
type CallOptions struct {
	// CallerID, when non-empty, is sent as a caller identity header.
	CallerID string
	// RelayOnly requires media to traverse a relay. The call is aborted if
	// gathering completes without a relay candidate.
	RelayOnly bool
}

const (
	defaultReconnectDelay = 2 * time.Second
	registerTimeout       = 15 * time.Second
)

// Controller owns one signaling registration and at most one live session,
// observing their asynchronous state events and enforcing the reconnection
// policy. The registration object is handed in through a factory and replaced
// wholesale when the reconnect path rebuilds it; nothing outside the
// controller holds a reference to it.
type Controller struct {
	factory  RegistrationFactory
	dialer   Dialer
	wakeLock WakeLock
	audioCtx func() (AudioContext, error)
	logger   *slog.Logger
	delay    time.Duration

	mu                sync.Mutex
	reg               Registration
	session           Session
	graph             *Graph
	online            bool
	sessState         SessionState
	reconnectInFlight bool
	rebuiltOnce       bool
}

// NewController creates a signaling controller. dialer, wakeLock and audioCtx
// may be nil when the host platform lacks the corresponding capability.
func NewController(factory RegistrationFactory, dialer Dialer, wakeLock WakeLock, audioCtx func() (AudioContext, error), logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		factory:  factory,
		dialer:   dialer,
		wakeLock: wakeLock,
		audioCtx: audioCtx,
		logger:   logger.With("subsystem", "signaling"),
		delay:    defaultReconnectDelay,
	}
}

// Start builds the initial registration object and registers it.
func (c *Controller) Start(ctx context.Context) error {
	reg, err := c.factory(c.HandleRegistrationState)
	if err != nil {
		return fmt.Errorf("building registration: %w", err)
	}

	c.mu.Lock()
	c.reg = reg
	c.mu.Unlock()

	if err := reg.Register(ctx); err != nil {
		return fmt.Errorf("initial registration: %w", err)
	}
	return nil
}

// Close unregisters best-effort and releases transport resources.
func (c *Controller) Close() {
	c.mu.Lock()
	reg := c.reg
	c.reg = nil
	c.mu.Unlock()

	if reg == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := reg.Unregister(ctx); err != nil {
		c.logger.Warn("unregister on close failed", "error", err)
	}
	reg.Close()
}

// Online reports the coarse connectivity flag derived from registration state.
func (c *Controller) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// HandleRegistrationState folds registration state changes into the online
// flag and applies the reconnection policy on loss.
func (c *Controller) HandleRegistrationState(state RegState) {
	c.mu.Lock()
	wasOnline := c.online
	c.online = state == RegRegistered
	if c.online {
		c.rebuiltOnce = false
	}
	established := c.sessState == SessionEstablished
	c.mu.Unlock()

	c.logger.Info("registration state changed", "state", state)

	if state != RegUnregistered || !wasOnline {
		return
	}

	if established {
		// Reconnecting now risks tearing down the live media path. The call
		// keeps running on the established session; connectivity is restored
		// only after it ends or by manual retry.
		c.logger.Warn("registration lost during established call, not reconnecting")
		return
	}

	c.scheduleReconnect("registration lost")
}

// HandleVisibilityRegained triggers the guarded reconnect when the host page
// regains visibility while offline outside an established session.
func (c *Controller) HandleVisibilityRegained() {
	c.mu.Lock()
	offline := !c.online
	established := c.sessState == SessionEstablished
	c.mu.Unlock()

	if offline && !established {
		c.scheduleReconnect("visibility regained")
	}
}

// ManualRetry is the user-triggered reconnect after the automatic path gave
// up. It goes through the same mutual-exclusion gate as the automatic path,
// and like that path it never registers over an established call.
func (c *Controller) ManualRetry() {
	c.mu.Lock()
	established := c.sessState == SessionEstablished
	if !established {
		c.rebuiltOnce = false
	}
	c.mu.Unlock()

	if established {
		c.logger.Warn("manual retry ignored during established call")
		return
	}
	c.scheduleReconnect("manual retry")
}

// scheduleReconnect debounces a reconnect attempt. The in-flight flag keeps
// timer, visibility and manual triggers from overlapping.
func (c *Controller) scheduleReconnect(reason string) {
	c.mu.Lock()
	if c.reconnectInFlight {
		c.mu.Unlock()
		return
	}
	c.reconnectInFlight = true
	c.mu.Unlock()

	c.logger.Info("reconnect scheduled", "reason", reason, "delay", c.delay.String())
	time.AfterFunc(c.delay, c.attemptReconnect)
}

// attemptReconnect re-registers, rebuilding the registration object from
// scratch exactly once on failure before giving up to manual retry. Session
// state is re-read when the debounced attempt fires, not when it was
// scheduled: a call established inside the debounce window drops the attempt.
func (c *Controller) attemptReconnect() {
	defer func() {
		c.mu.Lock()
		c.reconnectInFlight = false
		c.mu.Unlock()
	}()

	c.mu.Lock()
	reg := c.reg
	established := c.sessState == SessionEstablished
	c.mu.Unlock()
	if reg == nil {
		return
	}
	if established {
		c.logger.Warn("call established before reconnect fired, not reconnecting")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
	defer cancel()

	err := reg.Register(ctx)
	if err == nil {
		return
	}
	c.logger.Warn("re-registration failed", "error", err)

	c.mu.Lock()
	alreadyRebuilt := c.rebuiltOnce
	c.rebuiltOnce = true
	c.mu.Unlock()
	if alreadyRebuilt {
		c.logger.Error("reconnect exhausted, awaiting manual retry", "error", err)
		return
	}

	fresh, err := c.factory(c.HandleRegistrationState)
	if err != nil {
		c.logger.Error("rebuilding registration failed, awaiting manual retry", "error", err)
		return
	}

	c.mu.Lock()
	old := c.reg
	c.reg = fresh
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	rebuildCtx, rebuildCancel := context.WithTimeout(context.Background(), registerTimeout)
	defer rebuildCancel()
	if err := fresh.Register(rebuildCtx); err != nil {
		c.logger.Error("registration after rebuild failed, awaiting manual retry", "error", err)
	}
}

// HandleSessionState tracks the live session's state, managing the wake lock
// and the audio graph at the two load-bearing transitions.
func (c *Controller) HandleSessionState(state SessionState) {
	c.mu.Lock()
	c.sessState = state
	session := c.session
	graph := c.graph
	c.mu.Unlock()

	switch state {
	case SessionEstablished:
		c.acquireWakeLock()
		c.attachAudio(session)

	case SessionTerminated:
		if graph != nil {
			if err := graph.Teardown(); err != nil {
				c.logger.Warn("audio teardown failed", "error", err)
			}
		}
		c.releaseWakeLock()
		c.mu.Lock()
		c.session = nil
		c.graph = nil
		c.mu.Unlock()
	}
}

// HandleWakeLockRevoked re-acquires the wake lock if the session is still
// established. Current state is re-read here, not assumed stale.
func (c *Controller) HandleWakeLockRevoked() {
	c.mu.Lock()
	established := c.sessState == SessionEstablished
	c.mu.Unlock()

	if established {
		c.acquireWakeLock()
	}
}

// PlaceCall initiates an outbound call on the active registration. With a
// relay-only policy the call is aborted unless ICE gathering produces a relay
// candidate before it completes.
func (c *Controller) PlaceCall(ctx context.Context, target string, opts CallOptions) (Session, error) {
	if c.dialer == nil {
		return nil, errors.New("outbound calling is not available")
	}

	c.mu.Lock()
	if c.session != nil && c.sessState != SessionTerminated && c.sessState != "" {
		c.mu.Unlock()
		return nil, errors.New("a session is already in progress")
	}
	c.mu.Unlock()

	session, err := c.dialer.Dial(ctx, target, opts.CallerID)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", target, err)
	}

	c.mu.Lock()
	c.session = session
	c.sessState = SessionEstablishing
	c.mu.Unlock()

	if opts.RelayOnly {
		go c.enforceRelayOnly(session)
	}

	c.logger.Info("outbound call placed", "target", target, "relay_only", opts.RelayOnly)
	return session, nil
}

// SendDTMF emits DTMF digits on the active session.
func (c *Controller) SendDTMF(ctx context.Context, digits string) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session == nil {
		return ErrNoSession
	}
	return session.SendDTMF(ctx, digits)
}

// Hangup ends the active session.
func (c *Controller) Hangup(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session == nil {
		return ErrNoSession
	}
	return session.Hangup(ctx)
}

// SetVolume adjusts the audio graph volume for the active session.
func (c *Controller) SetVolume(volume float64) {
	c.mu.Lock()
	graph := c.graph
	c.mu.Unlock()
	if graph != nil {
		graph.SetVolume(volume)
	}
}

// SetMuted toggles mute on the active session's audio graph.
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	graph := c.graph
	c.mu.Unlock()
	if graph != nil {
		graph.SetMuted(muted)
	}
}

// enforceRelayOnly watches ICE gathering and aborts the call if it completes
// without a relay candidate.
func (c *Controller) enforceRelayOnly(session Session) {
	for cand := range session.Candidates() {
		if cand.Type == "relay" {
			return
		}
	}

	c.logger.Warn("aborting relay-only call", "error", ErrNoRelayCandidate)
	if err := session.Abort(); err != nil {
		c.logger.Warn("aborting session failed", "error", err)
	}
}

// attachAudio builds a fresh audio graph for the session and routes its
// inbound tracks through it.
func (c *Controller) attachAudio(session Session) {
	if c.audioCtx == nil || session == nil {
		return
	}

	actx, err := c.audioCtx()
	if err != nil {
		c.logger.Warn("audio context unavailable", "error", err)
		return
	}
	graph := NewGraph(actx)

	for _, track := range session.AudioTracks() {
		if err := graph.Attach(track); err != nil {
			c.logger.Warn("attaching audio track failed", "track", track.ID(), "error", err)
		}
	}

	c.mu.Lock()
	c.graph = graph
	c.mu.Unlock()
}

func (c *Controller) acquireWakeLock() {
	if c.wakeLock == nil {
		return
	}
	if err := c.wakeLock.Acquire(); err != nil {
		c.logger.Warn("acquiring wake lock failed", "error", err)
	}
}

func (c *Controller) releaseWakeLock() {
	if c.wakeLock == nil || !c.wakeLock.Held() {
		return
	}
	if err := c.wakeLock.Release(); err != nil {
		c.logger.Warn("releasing wake lock failed", "error", err)
	}
}
