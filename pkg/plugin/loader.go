package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	goplugin "plugin"
	"sync"
)

// Loader turns a manifest and its verified artifact into a plugin instance.
type Loader interface {
	Load(ctx context.Context, m Manifest, artifact []byte) (any, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, m Manifest, artifact []byte) (any, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, m Manifest, artifact []byte) (any, error) {
	return f(ctx, m, artifact)
}

// Starter is implemented by instances that need their capabilities before
// they can serve.
type Starter interface {
	Start(ctx context.Context, caps *CapabilityRegistry) error
}

// Stopper is implemented by instances that hold resources until stopped.
type Stopper interface {
	Stop(ctx context.Context) error
}

// GoPluginLoader uses the Go standard library plugin mechanism. The artifact
// bytes are written to a private temporary file and opened from there, so the
// code that runs is exactly the code that was verified. The entry for Runtime
// names the exported symbol to look up.
type GoPluginLoader struct {
	Runtime Runtime
	// TempDir holds the temporary shared objects. os.TempDir is used when empty.
	TempDir string
}

// Load opens the shared object and resolves the entry symbol. A symbol of type
// func() any is called to obtain the instance; any other symbol is the
// instance itself.
func (l GoPluginLoader) Load(ctx context.Context, m Manifest, artifact []byte) (any, error) {
	if len(artifact) == 0 {
		return nil, errors.New("plugin artifact cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	symbolName := m.EntryFor(l.Runtime)
	if symbolName == "" {
		return nil, errors.New("plugin entry cannot be empty")
	}

	f, err := os.CreateTemp(l.TempDir, "hatago-"+m.Name+"-*.so")
	if err != nil {
		return nil, fmt.Errorf("stage plugin artifact: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)
	if _, err := f.Write(artifact); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stage plugin artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("stage plugin artifact: %w", err)
	}

	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	symbol, err := so.Lookup(symbolName)
	if err != nil {
		return nil, err
	}
	switch p := symbol.(type) {
	case func() any:
		return p(), nil
	case *func() any:
		if p == nil || *p == nil {
			return nil, errors.New("plugin symbol is nil")
		}
		return (*p)(), nil
	default:
		return symbol, nil
	}
}

// StaticLoader serves instances from factories registered in process. It is
// used for built-in plugins and in tests.
type StaticLoader struct {
	mu        sync.RWMutex
	factories map[string]func() any
}

// NewStaticLoader creates an empty loader.
func NewStaticLoader() *StaticLoader {
	return &StaticLoader{factories: make(map[string]func() any)}
}

// Register binds an entry locator to a factory.
func (l *StaticLoader) Register(entry string, factory func() any) error {
	if entry == "" {
		return errors.New("plugin entry cannot be empty")
	}
	if factory == nil {
		return errors.New("plugin factory cannot be nil")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.factories[entry]; exists {
		return fmt.Errorf("plugin entry %s already registered", entry)
	}
	l.factories[entry] = factory
	return nil
}

// Load implements Loader using the manifest's default entry.
func (l *StaticLoader) Load(_ context.Context, m Manifest, _ []byte) (any, error) {
	entry := m.Entry[EntryDefault]
	l.mu.RLock()
	factory, ok := l.factories[entry]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("plugin entry %s not registered", entry)
	}
	return factory(), nil
}
