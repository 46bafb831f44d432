package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	xerrors "hatago-plugin-host/internal/errors"
	"hatago-plugin-host/pkg/signing"
)

// Transition describes one applied host transition.
type Transition struct {
	Op     string
	From   State
	To     State
	Plugin string
	Err    error
	At     time.Time
	// Loaded is the number of plugins registered after the transition.
	Loaded int
}

// Observer is notified after every transition the Driver applies.
type Observer interface {
	ObserveTransition(Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Transition)

// ObserveTransition implements Observer.
func (f ObserverFunc) ObserveTransition(t Transition) { f(t) }

// LoadRequest carries everything needed to load one plugin.
type LoadRequest struct {
	Manifest Manifest
	// Artifact holds the plugin bytes. They are verified and then handed to
	// the Loader unchanged.
	Artifact []byte
	// Signature is required when signature verification is enabled.
	Signature *signing.PluginSignature
}

// Driver interprets the effects of the host reducer: it performs the actual
// verification, loading and provisioning and feeds the outcome back into the
// state machine. A Driver serialises access to its HostState.
type Driver struct {
	mu        sync.Mutex
	state     HostState
	bundles   map[string]*CapabilityRegistry
	loader    Loader
	verifier  *signing.Verifier
	provision *Provisioner
	logger    *slog.Logger
	observers []Observer
	now       func() time.Time
	// generation identifies the load that currently owns the loading slot.
	generation uint64
}

// DriverOption customises a Driver.
type DriverOption func(*Driver)

// WithLoader overrides the code loader. GoPluginLoader is used by default.
func WithLoader(loader Loader) DriverOption {
	return func(d *Driver) {
		if loader != nil {
			d.loader = loader
		}
	}
}

// WithVerifier enables signature checks before loading.
func WithVerifier(v *signing.Verifier) DriverOption {
	return func(d *Driver) {
		d.verifier = v
	}
}

// WithProvisioner sets the capability provisioner.
func WithProvisioner(p *Provisioner) DriverOption {
	return func(d *Driver) {
		if p != nil {
			d.provision = p
		}
	}
}

// WithLogger sets the logger LogEffects are written to.
func WithLogger(logger *slog.Logger) DriverOption {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithObserver registers a transition observer.
func WithObserver(o Observer) DriverOption {
	return func(d *Driver) {
		if o != nil {
			d.observers = append(d.observers, o)
		}
	}
}

// WithClock overrides the time source used for load timestamps.
func WithClock(now func() time.Time) DriverOption {
	return func(d *Driver) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDriver creates a driver around an initial host state.
func NewDriver(state HostState, opts ...DriverOption) *Driver {
	d := &Driver{
		state:   state,
		bundles: make(map[string]*CapabilityRegistry),
		logger:  slog.New(slog.DiscardHandler),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.loader == nil {
		d.loader = GoPluginLoader{Runtime: state.Runtime}
	}
	if d.provision == nil {
		d.provision = NewProvisioner(Backends{Logger: d.logger})
	}
	return d
}

// State returns a snapshot of the host state.
func (d *Driver) State() HostState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Capabilities returns the bundle provisioned for a running plugin.
func (d *Driver) Capabilities(name string) (*CapabilityRegistry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	caps, ok := d.bundles[name]
	return caps, ok
}

// Load takes one plugin through validate, authorize, verify, load, provision
// and start. A running or failed host is reset first; a stopped host refuses.
// Only one load may be in flight: a concurrent Load drives the host to error,
// and the outcome of a load that no longer owns the slot is discarded.
func (d *Driver) Load(ctx context.Context, req LoadRequest) error {
	m := req.Manifest
	rejected := d.verify(m, req)

	d.mu.Lock()
	switch d.state.State {
	case StateStopped:
		d.mu.Unlock()
		return xerrors.New(xerrors.CodeHostState, "host is stopped")
	case StateRunning, StateError:
		d.applyLocked(ctx, "reset", m.Name, d.state.Reset)
	}
	load := d.applyLocked(ctx, "startLoading", m.Name, func() (HostState, []Effect) {
		return d.state.startVerified(m, rejected)
	})
	snapshot := d.state
	if load != nil {
		d.generation++
	}
	generation := d.generation
	d.mu.Unlock()
	if load == nil {
		return snapshot.Err
	}

	instance, caps, err := d.realise(ctx, snapshot, load.Manifest, req)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.generation != generation || d.state.State != StateLoading {
		if err == nil {
			d.release(ctx, load.Manifest.Name, instance, caps)
		}
		if d.state.State == StateStopped {
			return xerrors.New(xerrors.CodeHostState, "host stopped while loading")
		}
		d.logger.WarnContext(ctx, "stale plugin load discarded",
			slog.String("plugin", m.Name), slog.String("state", string(d.state.State)))
		return xerrors.Wrap(xerrors.CodeHostState, err, "load of "+m.Name+" no longer owns the loading slot",
			xerrors.WithMetadata("plugin", m.Name))
	}
	if err != nil {
		d.applyLocked(ctx, "handleLoadingError", m.Name, func() (HostState, []Effect) {
			return d.state.HandleLoadingError(err)
		})
		return err
	}

	previous, replaced := d.state.LoadedPlugins[load.Manifest.Name]
	d.applyLocked(ctx, "completeLoading", m.Name, func() (HostState, []Effect) {
		return d.state.CompleteLoading(load.Manifest, instance, d.now())
	})
	if d.state.State != StateRunning {
		d.release(ctx, load.Manifest.Name, instance, caps)
		return d.state.Err
	}
	if replaced {
		d.release(ctx, load.Manifest.Name, previous.Instance, d.bundles[load.Manifest.Name])
	}
	d.bundles[load.Manifest.Name] = caps
	return nil
}

// verify checks the artifact signature. It runs without the lock; the result
// only takes effect once the manifest has been validated and authorized.
func (d *Driver) verify(m Manifest, req LoadRequest) error {
	if d.verifier == nil || !d.verifier.Enabled() {
		return nil
	}
	if req.Signature == nil {
		return xerrors.New(xerrors.CodeSignatureRejected, "plugin signature required",
			xerrors.WithMetadata("plugin", m.Name))
	}
	result := d.verifier.VerifyPlugin(req.Artifact, *req.Signature)
	if !result.Valid {
		return xerrors.New(xerrors.CodeSignatureRejected,
			fmt.Sprintf("plugin signature %s: %s", result.Status, result.Message),
			xerrors.WithMetadata("plugin", m.Name),
			xerrors.WithMetadata("status", string(result.Status)),
			xerrors.WithMetadata("key_id", req.Signature.KeyID))
	}
	return nil
}

// realise performs the I/O requested by a LoadPluginEffect.
func (d *Driver) realise(ctx context.Context, state HostState, m Manifest, req LoadRequest) (any, *CapabilityRegistry, error) {
	instance, err := d.loader.Load(ctx, m, req.Artifact)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeLoadFailure, err, "load plugin "+m.Name)
	}

	caps := d.provision.Provision(state, m)
	if starter, ok := instance.(Starter); ok {
		if err := starter.Start(ctx, caps); err != nil {
			caps.Close()
			return nil, nil, xerrors.Wrap(xerrors.CodeLoadFailure, err, "start plugin "+m.Name)
		}
	}
	return instance, caps, nil
}

// Reset returns the host to idle.
func (d *Driver) Reset(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.applyLocked(ctx, "reset", "", d.state.Reset)
}

// Stop stops every loaded plugin, releases their capabilities and moves the
// host to stopped. Calling Stop again has no effect.
func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.State == StateStopped {
		return nil
	}
	names := make([]string, 0, len(d.state.LoadedPlugins))
	for name := range d.state.LoadedPlugins {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs []error
	for _, name := range names {
		if err := d.release(ctx, name, d.state.LoadedPlugins[name].Instance, d.bundles[name]); err != nil {
			errs = append(errs, err)
		}
		delete(d.bundles, name)
	}
	d.applyLocked(ctx, "stop", "", d.state.Stop)
	return errors.Join(errs...)
}

func (d *Driver) release(ctx context.Context, name string, instance any, caps *CapabilityRegistry) error {
	caps.Close()
	stopper, ok := instance.(Stopper)
	if !ok {
		return nil
	}
	if err := stopper.Stop(ctx); err != nil {
		d.logger.WarnContext(ctx, "plugin stop failed", slog.String("plugin", name), slog.String("error", err.Error()))
		return fmt.Errorf("stop plugin %s: %w", name, err)
	}
	return nil
}

// applyLocked runs a transition, interprets its effects and notifies
// observers. It returns the load request if the transition emitted one.
func (d *Driver) applyLocked(ctx context.Context, op, plugin string, transition func() (HostState, []Effect)) *LoadPluginEffect {
	from := d.state.State
	next, effects := transition()
	d.state = next

	var load *LoadPluginEffect
	for _, effect := range effects {
		switch e := effect.(type) {
		case LogEffect:
			d.logger.LogAttrs(ctx, e.Level, e.Message, e.Attrs...)
		case ErrorEffect:
			d.logger.LogAttrs(ctx, slog.LevelError, e.Message,
				slog.String("op", op),
				slog.String("plugin", plugin),
				slog.String("code", string(xerrors.CodeOf(e.Err))),
			)
		case LoadPluginEffect:
			load = &e
		}
	}

	t := Transition{Op: op, From: from, To: next.State, Plugin: plugin, Err: next.Err, At: d.now(), Loaded: len(next.LoadedPlugins)}
	for _, o := range d.observers {
		o.ObserveTransition(t)
	}
	return load
}
