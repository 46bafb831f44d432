package plugin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "hatago-plugin-host/internal/errors"
	"hatago-plugin-host/pkg/signing"
)

type echoInstance struct {
	mu      sync.Mutex
	caps    *CapabilityRegistry
	stopped bool
	failOn  string
}

func (e *echoInstance) Start(_ context.Context, caps *CapabilityRegistry) error {
	if e.failOn == "start" {
		return errors.New("boom")
	}
	e.mu.Lock()
	e.caps = caps
	e.mu.Unlock()
	return nil
}

func (e *echoInstance) Stop(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	if e.failOn == "stop" {
		return errors.New("stuck")
	}
	return nil
}

func (e *echoInstance) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

type recorder struct {
	mu          sync.Mutex
	transitions []Transition
}

func (r *recorder) ObserveTransition(t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *recorder) ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.transitions))
	for _, t := range r.transitions {
		out = append(out, t.Op+":"+string(t.To))
	}
	return out
}

func newTestDriver(t *testing.T, rt Runtime, loader Loader, opts ...DriverOption) (*Driver, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts = append([]DriverOption{WithLoader(loader), WithObserver(rec)}, opts...)
	return NewDriver(mustHost(t, rt), opts...), rec
}

func TestDriverLoadsAndProvisions(t *testing.T) {
	instance := &echoInstance{}
	loader := NewStaticLoader()
	require.NoError(t, loader.Register("x", func() any { return instance }))

	d, rec := newTestDriver(t, RuntimeFull, loader)
	require.NoError(t, d.Load(context.Background(), LoadRequest{Manifest: echoManifest("kv", "timer")}))

	state := d.State()
	assert.Equal(t, StateRunning, state.State)
	assert.Same(t, instance, state.LoadedPlugins["echo"].Instance)
	require.NotNil(t, instance.caps)
	assert.NotNil(t, instance.caps.KV)
	assert.NotNil(t, instance.caps.Timer)

	caps, ok := d.Capabilities("echo")
	require.True(t, ok)
	assert.Same(t, instance.caps, caps)
	assert.Equal(t, []string{"startLoading:loading", "completeLoading:running"}, rec.ops())
}

func TestDriverRejectsUnavailableCapability(t *testing.T) {
	called := false
	loader := LoaderFunc(func(context.Context, Manifest, []byte) (any, error) {
		called = true
		return nil, nil
	})
	d, _ := newTestDriver(t, RuntimeRestricted, loader)

	err := d.Load(context.Background(), LoadRequest{Manifest: echoManifest("timer")})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeCapabilityUnavailable))
	assert.False(t, called)
	assert.Equal(t, StateError, d.State().State)
}

func TestDriverLoaderFailure(t *testing.T) {
	loader := LoaderFunc(func(context.Context, Manifest, []byte) (any, error) {
		return nil, errors.New("no such symbol")
	})
	d, rec := newTestDriver(t, RuntimeFull, loader)

	err := d.Load(context.Background(), LoadRequest{Manifest: echoManifest()})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeLoadFailure))
	state := d.State()
	assert.Equal(t, StateError, state.State)
	assert.Contains(t, state.Error(), "no such symbol")
	assert.Equal(t, []string{"startLoading:loading", "handleLoadingError:error"}, rec.ops())
}

func TestDriverStartFailureReleasesCapabilities(t *testing.T) {
	instance := &echoInstance{failOn: "start"}
	d, _ := newTestDriver(t, RuntimeFull, LoaderFunc(func(context.Context, Manifest, []byte) (any, error) {
		return instance, nil
	}))

	err := d.Load(context.Background(), LoadRequest{Manifest: echoManifest("timer")})
	require.Error(t, err)
	assert.Equal(t, StateError, d.State().State)
	_, ok := d.Capabilities("echo")
	assert.False(t, ok)
}

func TestDriverResetsBetweenLoads(t *testing.T) {
	first, second := &echoInstance{}, &echoInstance{}
	instances := []*echoInstance{first, second}
	d, rec := newTestDriver(t, RuntimeFull, LoaderFunc(func(context.Context, Manifest, []byte) (any, error) {
		next := instances[0]
		instances = instances[1:]
		return next, nil
	}))
	ctx := context.Background()

	require.NoError(t, d.Load(ctx, LoadRequest{Manifest: echoManifest("timer")}))
	firstCaps, _ := d.Capabilities("echo")
	firstCaps.Timer.SetTimeout(time.Hour, func() {})

	require.NoError(t, d.Load(ctx, LoadRequest{Manifest: echoManifest("timer")}))
	assert.True(t, first.isStopped(), "replaced instance is stopped")
	assert.Equal(t, 0, firstCaps.Timer.Pending(), "replaced bundle is closed")
	assert.Same(t, second, d.State().LoadedPlugins["echo"].Instance)
	assert.Equal(t, []string{
		"startLoading:loading", "completeLoading:running",
		"reset:idle", "startLoading:loading", "completeLoading:running",
	}, rec.ops())
}

func TestDriverKeepsRunningPluginsAfterFailedLoad(t *testing.T) {
	loader := NewStaticLoader()
	require.NoError(t, loader.Register("x", func() any { return &echoInstance{} }))
	d, _ := newTestDriver(t, RuntimeFull, loader)
	ctx := context.Background()

	require.NoError(t, d.Load(ctx, LoadRequest{Manifest: echoManifest()}))
	broken := echoManifest()
	broken.Name = "broken"
	broken.Entry["default"] = "missing"
	require.Error(t, d.Load(ctx, LoadRequest{Manifest: broken}))

	state := d.State()
	assert.Equal(t, StateError, state.State)
	assert.Contains(t, state.LoadedPlugins, "echo")
	assert.NotContains(t, state.LoadedPlugins, "broken")
}

func TestDriverConcurrentLoadIsRejected(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	d, _ := newTestDriver(t, RuntimeFull, LoaderFunc(func(_ context.Context, m Manifest, _ []byte) (any, error) {
		close(entered)
		<-release
		return &echoInstance{}, nil
	}))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- d.Load(ctx, LoadRequest{Manifest: echoManifest()}) }()
	<-entered

	err := d.Load(ctx, LoadRequest{Manifest: echoManifest()})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeHostState))
	assert.Equal(t, "host not in idle state", d.State().Error())

	close(release)
	err = <-done
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeHostState))
	assert.Equal(t, StateError, d.State().State)
	assert.Equal(t, "host not in idle state", d.State().Error())
	assert.Empty(t, d.State().LoadedPlugins)
}

func TestDriverDiscardsStaleLoadOutcome(t *testing.T) {
	for _, staleFails := range []bool{true, false} {
		name := "stale load succeeds"
		if staleFails {
			name = "stale load fails"
		}
		t.Run(name, func(t *testing.T) {
			stale, current := &echoInstance{}, &echoInstance{}
			gates := map[string]chan struct{}{"a": make(chan struct{}), "c": make(chan struct{})}
			entered := map[string]chan struct{}{"a": make(chan struct{}), "c": make(chan struct{})}
			d, _ := newTestDriver(t, RuntimeFull, LoaderFunc(func(_ context.Context, m Manifest, _ []byte) (any, error) {
				close(entered[m.Name])
				<-gates[m.Name]
				if m.Name == "c" {
					return current, nil
				}
				if staleFails {
					return nil, errors.New("no such symbol")
				}
				return stale, nil
			}))
			ctx := context.Background()
			manifest := func(name string) Manifest {
				m := echoManifest("timer")
				m.Name = name
				return m
			}

			doneA := make(chan error, 1)
			go func() { doneA <- d.Load(ctx, LoadRequest{Manifest: manifest("a")}) }()
			<-entered["a"]

			err := d.Load(ctx, LoadRequest{Manifest: manifest("b")})
			assert.True(t, xerrors.HasCode(err, xerrors.CodeHostState))

			doneC := make(chan error, 1)
			go func() { doneC <- d.Load(ctx, LoadRequest{Manifest: manifest("c")}) }()
			<-entered["c"]

			close(gates["a"])
			err = <-doneA
			require.Error(t, err)
			assert.True(t, xerrors.HasCode(err, xerrors.CodeHostState))
			assert.Equal(t, StateLoading, d.State().State)
			assert.Equal(t, !staleFails, stale.isStopped())

			close(gates["c"])
			require.NoError(t, <-doneC)
			state := d.State()
			assert.Equal(t, StateRunning, state.State)
			assert.Same(t, current, state.LoadedPlugins["c"].Instance)
			assert.NotContains(t, state.LoadedPlugins, "a")
			assert.False(t, current.isStopped())
			_, ok := d.Capabilities("a")
			assert.False(t, ok)
		})
	}
}

func TestDriverResetDuringLoadDiscardsOutcome(t *testing.T) {
	instance := &echoInstance{}
	gate, entered := make(chan struct{}), make(chan struct{})
	d, _ := newTestDriver(t, RuntimeFull, LoaderFunc(func(context.Context, Manifest, []byte) (any, error) {
		close(entered)
		<-gate
		return instance, nil
	}))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- d.Load(ctx, LoadRequest{Manifest: echoManifest()}) }()
	<-entered
	d.Reset(ctx)
	close(gate)

	err := <-done
	assert.True(t, xerrors.HasCode(err, xerrors.CodeHostState))
	assert.True(t, instance.isStopped())
	assert.Equal(t, StateIdle, d.State().State)
	assert.Empty(t, d.State().LoadedPlugins)
}

func TestDriverStop(t *testing.T) {
	good, bad := &echoInstance{}, &echoInstance{failOn: "stop"}
	loader := NewStaticLoader()
	require.NoError(t, loader.Register("good", func() any { return good }))
	require.NoError(t, loader.Register("bad", func() any { return bad }))
	d, rec := newTestDriver(t, RuntimeFull, loader)
	ctx := context.Background()

	a := echoManifest("timer")
	a.Name, a.Entry["default"] = "a", "good"
	b := echoManifest()
	b.Name, b.Entry["default"] = "b", "bad"
	require.NoError(t, d.Load(ctx, LoadRequest{Manifest: a}))
	require.NoError(t, d.Load(ctx, LoadRequest{Manifest: b}))
	caps, _ := d.Capabilities("a")
	caps.Timer.SetTimeout(time.Hour, func() {})

	err := d.Stop(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop plugin b")
	assert.True(t, good.isStopped())
	assert.True(t, bad.isStopped())
	assert.Equal(t, 0, caps.Timer.Pending())
	assert.Equal(t, StateStopped, d.State().State)

	before := len(rec.ops())
	require.NoError(t, d.Stop(ctx))
	assert.Len(t, rec.ops(), before)

	err = d.Load(ctx, LoadRequest{Manifest: a})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeHostState))
}

func signedRequest(t *testing.T, verifier *signing.Verifier, artifact []byte) LoadRequest {
	t.Helper()
	pair, err := signing.GenerateKeyPair(signing.AlgorithmEd25519)
	require.NoError(t, err)
	require.NoError(t, verifier.AddTrustedKey(pair.KeyID, pair.PublicKey, signing.KeyMetadata{}))
	sig, err := signing.SignPlugin(artifact, pair.PrivateKey, pair.KeyID, signing.AlgorithmEd25519)
	require.NoError(t, err)
	return LoadRequest{Manifest: echoManifest(), Artifact: artifact, Signature: &sig}
}

func TestDriverVerifiesBeforeLoading(t *testing.T) {
	var loaded []byte
	loader := LoaderFunc(func(_ context.Context, _ Manifest, artifact []byte) (any, error) {
		loaded = artifact
		return &echoInstance{}, nil
	})
	verifier := signing.NewVerifier(signing.Config{Enabled: true}, nil)
	d, _ := newTestDriver(t, RuntimeFull, loader, WithVerifier(verifier))
	ctx := context.Background()
	artifact := []byte("\x7fELF plugin bytes")

	req := signedRequest(t, verifier, artifact)
	require.NoError(t, d.Load(ctx, req))
	assert.Equal(t, artifact, loaded)

	loaded = nil
	tampered := req
	tampered.Artifact = []byte("\x7fELF other bytes")
	err := d.Load(ctx, tampered)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeSignatureRejected))
	coded, _ := xerrors.From(err)
	assert.Equal(t, string(signing.StatusInvalid), coded.Metadata()["status"])
	assert.Nil(t, loaded)
	assert.Equal(t, StateError, d.State().State)

	unsigned := req
	unsigned.Signature = nil
	err = d.Load(ctx, unsigned)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeSignatureRejected))
	assert.Nil(t, loaded)
}

func TestDriverRejectedSignatureNeverEntersLoading(t *testing.T) {
	loader := LoaderFunc(func(context.Context, Manifest, []byte) (any, error) { return &echoInstance{}, nil })
	verifier := signing.NewVerifier(signing.Config{Enabled: true}, nil)
	d, rec := newTestDriver(t, RuntimeFull, loader, WithVerifier(verifier))
	ctx := context.Background()

	req := signedRequest(t, verifier, []byte("artifact"))
	req.Artifact = []byte("tampered")
	err := d.Load(ctx, req)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeSignatureRejected))
	assert.Equal(t, []string{"startLoading:error"}, rec.ops())

	invalid := req
	invalid.Manifest = echoManifest()
	invalid.Manifest.Version = ""
	err = d.Load(ctx, invalid)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidManifest), "manifest checks come before the signature")
}

func TestDriverSkipsVerificationWhenDisabled(t *testing.T) {
	loader := LoaderFunc(func(context.Context, Manifest, []byte) (any, error) { return "handle", nil })
	verifier := signing.NewVerifier(signing.Config{Enabled: false}, nil)
	d, _ := newTestDriver(t, RuntimeFull, loader, WithVerifier(verifier))

	require.NoError(t, d.Load(context.Background(), LoadRequest{Manifest: echoManifest()}))
	assert.Equal(t, StateRunning, d.State().State)
}

func TestStaticLoaderRegistration(t *testing.T) {
	loader := NewStaticLoader()
	assert.Error(t, loader.Register("", func() any { return nil }))
	assert.Error(t, loader.Register("x", nil))
	require.NoError(t, loader.Register("x", func() any { return 1 }))
	assert.Error(t, loader.Register("x", func() any { return 2 }))

	_, err := loader.Load(context.Background(), Manifest{Entry: map[string]string{"default": "y"}}, nil)
	assert.Error(t, err)
}

func TestGoPluginLoaderRejectsEmptyArtifact(t *testing.T) {
	_, err := GoPluginLoader{}.Load(context.Background(), echoManifest(), nil)
	assert.Error(t, err)

	_, err = GoPluginLoader{TempDir: t.TempDir()}.Load(context.Background(), echoManifest(), []byte("not a shared object"))
	assert.Error(t, err)
}
