// Package session orchestrates an editing session: it debounces edits into
// CODE publishes, tracks connected preview devices, chooses transports per
// publish, and answers runtime requests.
package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/previewsync/internal/blobstore"
	"github.com/fruitsalade/previewsync/internal/clock"
	"github.com/fruitsalade/previewsync/internal/filesync"
	"github.com/fruitsalade/previewsync/internal/flight"
	"github.com/fruitsalade/previewsync/internal/logging"
	"github.com/fruitsalade/previewsync/internal/metrics"
	"github.com/fruitsalade/previewsync/internal/protocol"
	"github.com/fruitsalade/previewsync/internal/transport"
)

// Coordinator defaults.
const (
	DefaultDebounce = 1000 * time.Millisecond
	// DefaultMirrorMinRuntime is the first runtime major version whose
	// clients subscribe to both pub/sub transports.
	DefaultMirrorMinRuntime = 48
	// ResolvingMessage is published instead of CODE while dependencies
	// resolve.
	ResolvingMessage = "Resolving dependencies"
)

// ErrStopped is returned by operations on a stopped coordinator.
var ErrStopped = errors.New("session stopped")

// Phase is the coordinator's lifecycle state.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseSubscribed      Phase = "subscribed"
	PhaseDebouncePending Phase = "debounce_pending"
	PhasePublishing      Phase = "publishing"
	PhaseUnsubscribed    Phase = "unsubscribed"
)

// Transports are the channels a coordinator publishes on.
type Transports struct {
	// Primary is the pub/sub transport. Required.
	Primary transport.Transport
	// Fallback, when set, is mirrored with Primary.
	Fallback transport.Transport
	// Direct, when set, reaches web previews without pub/sub.
	Direct transport.Transport
}

// Status is what a StatusHook reports.
type Status struct {
	State    string
	Snapshot []byte
}

// StatusHook captures the session's status on REQUEST_STATUS.
type StatusHook func(ctx context.Context) (Status, error)

// Config configures a Coordinator.
type Config struct {
	Channel        string
	Name           string
	Description    string
	RuntimeVersion string
	Dependencies   map[string]string

	Debounce          time.Duration
	MirrorMinRuntime  int
	GraceWindow       time.Duration
	FailoverThreshold int

	StatusHook StatusHook
	Clock      clock.Clock
	Logger     *zap.Logger
}

// State is a snapshot of the session.
type State struct {
	Phase          Phase
	Files          []filesync.FileRecord
	Dependencies   map[string]string
	Name           string
	Description    string
	RuntimeVersion string
	Resolving      bool
	Devices        []protocol.Device
	Mirror         *transport.MirrorStats
}

// Coordinator owns one session's transports, listeners and sync cycles.
type Coordinator struct {
	engine  *filesync.Engine
	store   blobstore.Store
	primary transport.Transport
	mirror  *transport.Mirror
	pubsub  transport.Channel
	direct  transport.Transport
	devices *DeviceSet

	channel   string
	debounce  time.Duration
	minMirror int
	clock     clock.Clock
	logger    *zap.Logger

	queue *flight.Queue
	// ctx outlives Stop so in-flight uploads and publishes finish.
	ctx context.Context

	mu             sync.Mutex
	phase          Phase
	timer          *clock.Timer
	timerGen       uint64
	name           string
	description    string
	runtimeVersion string
	dependencies   map[string]string
	resolving      bool
	statusHook     StatusHook

	listenerMu        sync.RWMutex
	messageListeners  []func(protocol.Message)
	presenceListeners []func(action string, device protocol.Device)
	errorListeners    []func(error)
}

// New creates a coordinator publishing engine's files. store receives
// status snapshots.
func New(engine *filesync.Engine, store blobstore.Store, transports Transports, cfg Config) (*Coordinator, error) {
	if transports.Primary == nil {
		return nil, fmt.Errorf("primary transport is required")
	}
	if cfg.Channel == "" {
		return nil, fmt.Errorf("channel is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.MirrorMinRuntime <= 0 {
		cfg.MirrorMinRuntime = DefaultMirrorMinRuntime
	}

	logger := logging.Or(cfg.Logger).With(zap.String("channel", cfg.Channel))
	clk := clock.OrReal(cfg.Clock)

	c := &Coordinator{
		engine:         engine,
		store:          store,
		primary:        transports.Primary,
		pubsub:         transports.Primary,
		direct:         transports.Direct,
		devices:        NewDeviceSet(),
		channel:        cfg.Channel,
		debounce:       cfg.Debounce,
		minMirror:      cfg.MirrorMinRuntime,
		clock:          clk,
		logger:         logger,
		phase:          PhaseIdle,
		name:           cfg.Name,
		description:    cfg.Description,
		runtimeVersion: cfg.RuntimeVersion,
		dependencies:   maps.Clone(cfg.Dependencies),
		statusHook:     cfg.StatusHook,
	}
	if transports.Fallback != nil {
		c.mirror = transport.NewMirror(transports.Primary, transports.Fallback, transport.MirrorConfig{
			GraceWindow:       cfg.GraceWindow,
			FailoverThreshold: cfg.FailoverThreshold,
			Clock:             clk,
			Logger:            logger,
		})
		c.pubsub = c.mirror
	}
	c.ctx = context.Background()
	c.queue = flight.New(c.ctx, c.runCycle, c.reportError)
	return c, nil
}

// Start subscribes to the session channel on every transport. Transports
// that fail to subscribe keep retrying in the background where they
// support it; their errors are returned.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return fmt.Errorf("start: coordinator is %s", c.phase)
	}
	c.phase = PhaseSubscribed
	c.mu.Unlock()

	c.pubsub.Listen(func(m protocol.Message) { c.handle(m, false) })
	if c.direct != nil {
		c.direct.Listen(func(m protocol.Message) { c.handle(m, true) })
	}

	var errs []error
	if err := c.pubsub.Subscribe(ctx, c.channel); err != nil {
		errs = append(errs, err)
	}
	if c.direct != nil {
		if err := c.direct.Subscribe(ctx, c.channel); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		c.reportError(err)
	}
	c.logger.Info("session started",
		zap.Bool("mirrored", c.mirror != nil),
		zap.Bool("direct", c.direct != nil),
	)
	return err
}

// Stop cancels any pending debounce, stops future cycles and unsubscribes
// every transport. A cycle already running finishes but publishes nothing.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.phase == PhaseUnsubscribed {
		c.mu.Unlock()
		return nil
	}
	c.phase = PhaseUnsubscribed
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	c.queue.Close()

	var errs []error
	errs = append(errs, c.pubsub.Unsubscribe(ctx))
	if c.direct != nil {
		errs = append(errs, c.direct.Unsubscribe(ctx))
	}
	c.logger.Info("session stopped")
	return errors.Join(errs...)
}

// Wait blocks until no sync cycle is running or queued.
func (c *Coordinator) Wait() { c.queue.Wait() }

// Write records new contents for path and schedules a publish.
func (c *Coordinator) Write(path, contents string) {
	c.engine.Write(path, contents)
	c.RequestSync()
}

// Delete removes path and schedules a publish.
func (c *Coordinator) Delete(path string) {
	c.engine.Delete(path)
	c.RequestSync()
}

// SetDependencies replaces the dependency table and schedules a publish.
func (c *Coordinator) SetDependencies(deps map[string]string) {
	c.mu.Lock()
	c.dependencies = maps.Clone(deps)
	c.mu.Unlock()
	c.RequestSync()
}

// SetMetadata updates the session metadata and schedules a publish.
func (c *Coordinator) SetMetadata(name, description, runtimeVersion string) {
	c.mu.Lock()
	c.name, c.description, c.runtimeVersion = name, description, runtimeVersion
	c.mu.Unlock()
	c.RequestSync()
}

// SetResolving marks dependency resolution as running. While set, cycles
// publish a loading message instead of code. Clearing it schedules a
// publish.
func (c *Coordinator) SetResolving(resolving bool) {
	c.mu.Lock()
	c.resolving = resolving
	c.mu.Unlock()
	c.RequestSync()
}

// SetStatusHook replaces the hook used for REQUEST_STATUS.
func (c *Coordinator) SetStatusHook(hook StatusHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusHook = hook
}

// RequestSync schedules a publish once the debounce window has passed
// without further requests. Only the latest state is published.
func (c *Coordinator) RequestSync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseIdle || c.phase == PhaseUnsubscribed {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timerGen++
	gen := c.timerGen
	c.timer = c.clock.AfterFunc(c.debounce, func() { c.debounceFired(gen) })
	c.phase = PhaseDebouncePending
}

// debounceFired triggers a cycle unless a later request or SyncNow
// replaced the timer that fired.
func (c *Coordinator) debounceFired(gen uint64) {
	c.mu.Lock()
	if c.timer == nil || c.timerGen != gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()
	c.queue.Trigger()
}

// SyncNow publishes without waiting for the debounce window, cancelling
// any pending debounced publish.
func (c *Coordinator) SyncNow() {
	c.mu.Lock()
	if c.phase == PhaseIdle || c.phase == PhaseUnsubscribed {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	c.queue.Trigger()
}

// Reload asks every preview to reload.
func (c *Coordinator) Reload(ctx context.Context) error {
	if c.stopped() {
		return ErrStopped
	}
	return c.publish(ctx, protocol.Message{Type: protocol.TypeReload})
}

// Devices returns the connected devices.
func (c *Coordinator) Devices() []protocol.Device { return c.devices.List() }

// State returns a snapshot of the session.
func (c *Coordinator) State() State {
	c.mu.Lock()
	st := State{
		Phase:          c.phase,
		Dependencies:   maps.Clone(c.dependencies),
		Name:           c.name,
		Description:    c.description,
		RuntimeVersion: c.runtimeVersion,
		Resolving:      c.resolving,
	}
	c.mu.Unlock()

	st.Files = c.engine.Files()
	st.Devices = c.devices.List()
	if c.mirror != nil {
		stats := c.mirror.Stats()
		st.Mirror = &stats
	}
	return st
}

// OnMessage registers fn for CONSOLE, ERROR and STATUS_REPORT messages
// from previews.
func (c *Coordinator) OnMessage(fn func(protocol.Message)) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.messageListeners = append(c.messageListeners, fn)
}

// OnPresence registers fn for device presence changes.
func (c *Coordinator) OnPresence(fn func(action string, device protocol.Device)) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.presenceListeners = append(c.presenceListeners, fn)
}

// OnError registers fn for errors the coordinator handles internally.
func (c *Coordinator) OnError(fn func(error)) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.errorListeners = append(c.errorListeners, fn)
}

func (c *Coordinator) reportError(err error) {
	c.logger.Error("session error", zap.Error(err))
	c.listenerMu.RLock()
	listeners := c.errorListeners
	c.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(err)
	}
}

func (c *Coordinator) stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == PhaseUnsubscribed
}

// runCycle is the flight task: publish the latest state once.
func (c *Coordinator) runCycle(ctx context.Context) error {
	c.mu.Lock()
	if c.phase == PhaseUnsubscribed {
		c.mu.Unlock()
		return nil
	}
	if c.timer == nil {
		c.phase = PhasePublishing
	}
	resolving := c.resolving
	meta := protocol.Metadata{Name: c.name, Description: c.description, RuntimeVersion: c.runtimeVersion}
	deps := maps.Clone(c.dependencies)
	c.mu.Unlock()

	err := c.cycle(ctx, resolving, deps, meta)
	c.cycleDone()
	return err
}

func (c *Coordinator) cycle(ctx context.Context, resolving bool, deps map[string]string, meta protocol.Metadata) error {
	if resolving {
		return c.publish(ctx, protocol.Loading(ResolvingMessage))
	}

	payload, err := c.engine.Prepare(ctx)
	if err != nil {
		return fmt.Errorf("prepare code: %w", err)
	}
	c.logger.Debug("publishing code",
		zap.Int("files", len(payload.Diff)),
		zap.Int("offloaded", len(payload.BlobRef)),
		zap.Int("size", payload.Size),
	)
	return c.publish(ctx, protocol.Code(payload.Diff, payload.BlobRef, deps, meta))
}

func (c *Coordinator) cycleDone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhasePublishing {
		c.phase = PhaseSubscribed
	}
}

// publish sends msg on every transport the connected devices need.
func (c *Coordinator) publish(ctx context.Context, msg protocol.Message) error {
	if c.stopped() {
		c.logger.Debug("discarding publish after stop", zap.String("type", string(msg.Type)))
		return nil
	}
	msg = protocol.Stamp(msg)

	var errs []error
	for _, target := range c.targets() {
		err := target.Publish(ctx, msg)
		if t, ok := target.(transport.Transport); ok {
			metrics.RecordPublish(t.Name(), string(msg.Type), err == nil)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// targets selects the channels for one publish: the direct transport when
// a web device is connected, and pub/sub when a native device is
// connected or no device is known. Pub/sub goes through the mirror only
// when the runtime version supports mirroring.
func (c *Coordinator) targets() []transport.Channel {
	web, native := c.devices.Platforms()

	var out []transport.Channel
	if c.direct != nil && web {
		out = append(out, c.direct)
	}
	if native || !web || c.direct == nil {
		c.mu.Lock()
		runtime := c.runtimeVersion
		c.mu.Unlock()
		if c.mirror != nil && supportsMirror(runtime, c.minMirror) {
			out = append(out, c.mirror)
		} else {
			out = append(out, c.primary)
		}
	}
	return out
}

// supportsMirror reports whether runtimeVersion's major version is at
// least min. Unknown versions are assumed current.
func supportsMirror(runtimeVersion string, min int) bool {
	if runtimeVersion == "" {
		return true
	}
	major, _, _ := strings.Cut(runtimeVersion, ".")
	n, err := strconv.Atoi(major)
	if err != nil {
		return true
	}
	return n >= min
}

func (c *Coordinator) handle(msg protocol.Message, direct bool) {
	switch msg.Type {
	case protocol.TypePresence:
		c.handlePresence(msg, direct)
	case protocol.TypeResendCode:
		c.logger.Debug("resend requested")
		c.SyncNow()
	case protocol.TypeRequestStatus:
		go c.reportStatus(c.ctx)
	case protocol.TypeConsole, protocol.TypeError, protocol.TypeStatusReport:
		if msg.Type == protocol.TypeError && msg.Error != nil {
			c.logger.Warn("preview error", zap.String("message", msg.Error.Message))
		}
		c.listenerMu.RLock()
		listeners := c.messageListeners
		c.listenerMu.RUnlock()
		for _, fn := range listeners {
			fn(msg)
		}
	}
}

func (c *Coordinator) handlePresence(msg protocol.Message, direct bool) {
	if msg.Device == nil || msg.Device.ID == "" {
		c.logger.Debug("dropping presence event without device", zap.Error(protocol.ErrPresenceParse))
		return
	}
	action := msg.Action
	if direct {
		action = directAction(action)
	}

	device := *msg.Device
	if presenceAdds(action) {
		if c.devices.Add(device) {
			c.logger.Info("device connected",
				zap.String("device", device.ID),
				zap.String("platform", device.Platform),
			)
		}
	} else if c.devices.Remove(device.ID) {
		c.logger.Info("device disconnected", zap.String("device", device.ID))
	}
	metrics.SetConnectedDevices(c.devices.Len())

	c.listenerMu.RLock()
	listeners := c.presenceListeners
	c.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(action, device)
	}
}

// reportStatus answers REQUEST_STATUS: it captures a snapshot through the
// status hook, uploads it and publishes where to find it.
func (c *Coordinator) reportStatus(ctx context.Context) {
	c.mu.Lock()
	hook := c.statusHook
	c.mu.Unlock()
	if hook == nil {
		c.logger.Debug("status requested but no hook is set")
		return
	}

	status, err := hook(ctx)
	if err != nil {
		c.reportError(fmt.Errorf("status hook: %w", err))
		return
	}
	url, err := c.store.Upload(ctx, status.Snapshot)
	if err != nil {
		c.reportError(fmt.Errorf("upload status: %w", err))
		return
	}
	if err := c.publish(ctx, protocol.StatusReport(url, status.State)); err != nil {
		c.reportError(fmt.Errorf("publish status: %w", err))
	}
}
