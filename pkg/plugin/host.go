package plugin

import (
	"log/slog"
	"sort"
	"time"

	xerrors "hatago-plugin-host/internal/errors"
)

// State is the lifecycle position of the host.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateError   State = "error"
)

// LoadedPlugin records a plugin whose code has been loaded by the host.
type LoadedPlugin struct {
	Manifest Manifest
	// Instance is the opaque handle returned by the loader. The host owns it.
	Instance any
	LoadedAt time.Time
}

// HostState is the immutable value the host reducer works on. Every
// transition returns a new value together with the effects it requests.
type HostState struct {
	State         State
	Runtime       Runtime
	HostVersion   string
	LoadedPlugins map[string]LoadedPlugin
	Err           error

	available map[string]struct{}
}

// HostOption customises a new HostState.
type HostOption func(*HostState)

// WithHostVersion enables the engines.hatago compatibility check.
func WithHostVersion(version string) HostOption {
	return func(s *HostState) {
		s.HostVersion = version
	}
}

// NewHostState creates an idle host for rt. The available capability set is
// fixed here and never changes afterwards.
func NewHostState(rt Runtime, opts ...HostOption) (HostState, error) {
	caps, ok := catalog[rt]
	if !ok {
		return HostState{}, xerrors.Newf(xerrors.CodeInvalidArgument, "unknown runtime %q", rt)
	}
	s := HostState{
		State:         StateIdle,
		Runtime:       rt,
		LoadedPlugins: map[string]LoadedPlugin{},
		available:     make(map[string]struct{}, len(caps)),
	}
	for _, c := range caps {
		s.available[c.String()] = struct{}{}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s, nil
}

// Available reports whether the named capability is offered by this host.
func (s HostState) Available(name string) bool {
	_, ok := s.available[name]
	return ok
}

// AvailableCapabilities lists the offered capability names in lexical order.
func (s HostState) AvailableCapabilities() []string {
	out := make([]string, 0, len(s.available))
	for name := range s.available {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Error returns the message of the last failure, or "".
func (s HostState) Error() string {
	return errMessage(s.Err)
}

// StartLoading validates and authorizes m and, when both pass, moves the host
// to loading and asks for the plugin code to be loaded.
func (s HostState) StartLoading(m Manifest) (HostState, []Effect) {
	return s.startVerified(m, nil)
}

// startVerified is StartLoading with the signature outcome folded in after
// validation and authorization. A non-nil rejected keeps the host out of
// loading.
func (s HostState) startVerified(m Manifest, rejected error) (HostState, []Effect) {
	if err := s.admit(m); err != nil {
		return s.fail(err)
	}
	if rejected != nil {
		return s.fail(rejected)
	}
	next := s
	next.State = StateLoading
	next.Err = nil
	return next, []Effect{
		LoadPluginEffect{Manifest: m.Clone()},
		infoLog("loading plugin", slog.String("plugin", m.Name), slog.String("version", m.Version)),
	}
}

func (s HostState) admit(m Manifest) error {
	if s.State != StateIdle {
		return xerrors.New(xerrors.CodeHostState, "host not in idle state")
	}
	if err := ValidateManifest(m); err != nil {
		return err
	}
	if err := Authorize(s, m); err != nil {
		return err
	}
	if s.HostVersion != "" {
		return CheckEngine(s.HostVersion, m)
	}
	return nil
}

// CompleteLoading records instance under m.Name and moves the host to
// running. An existing entry with the same name is replaced.
func (s HostState) CompleteLoading(m Manifest, instance any, loadedAt time.Time) (HostState, []Effect) {
	if s.State != StateLoading {
		return s.fail(xerrors.New(xerrors.CodeHostState, "host not in loading state"))
	}
	next := s
	next.State = StateRunning
	next.Err = nil
	next.LoadedPlugins = make(map[string]LoadedPlugin, len(s.LoadedPlugins)+1)
	for name, lp := range s.LoadedPlugins {
		next.LoadedPlugins[name] = lp
	}
	next.LoadedPlugins[m.Name] = LoadedPlugin{Manifest: m.Clone(), Instance: instance, LoadedAt: loadedAt}
	return next, []Effect{
		infoLog("plugin loaded", slog.String("plugin", m.Name), slog.String("version", m.Version)),
	}
}

// HandleLoadingError moves the host to error from any state.
func (s HostState) HandleLoadingError(reason error) (HostState, []Effect) {
	if reason == nil {
		reason = xerrors.New(xerrors.CodeLoadFailure, "")
	}
	return s.fail(reason)
}

// Stop moves the host to stopped. Stopping a stopped host is a no-op.
func (s HostState) Stop() (HostState, []Effect) {
	if s.State == StateStopped {
		return s, nil
	}
	next := s
	next.State = StateStopped
	return next, []Effect{infoLog("host stopped", slog.Int("plugins", len(s.LoadedPlugins)))}
}

// Reset returns the host to idle and clears the last error. Loaded plugins
// are kept.
func (s HostState) Reset() (HostState, []Effect) {
	next := s
	next.State = StateIdle
	next.Err = nil
	return next, []Effect{infoLog("host reset", slog.String("from", string(s.State)))}
}

func (s HostState) fail(err error) (HostState, []Effect) {
	next := s
	next.State = StateError
	next.Err = err
	return next, []Effect{errorEffect(err)}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	if coded, ok := xerrors.From(err); ok {
		if cause := coded.Unwrap(); cause != nil {
			return coded.Message() + ": " + cause.Error()
		}
		return coded.Message()
	}
	return err.Error()
}
