package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Provider serves the current configuration snapshot. File-backed
// providers reload on change; a failed reload keeps the last good
// snapshot.
type Provider struct {
	path    string
	logger  *slog.Logger
	current atomic.Value // Config

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithLogger sets the logger for the provider.
func WithLogger(logger *slog.Logger) ProviderOption {
	return func(p *Provider) {
		p.logger = logger
	}
}

// NewProvider loads the configuration file and returns a provider for it.
func NewProvider(path string, opts ...ProviderOption) (*Provider, error) {
	p := &Provider{
		path:   path,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	p.current.Store(cfg)
	return p, nil
}

// NewStatic returns a provider that always serves the given
// configuration. Used by hosts that manage configuration themselves, and
// by tests.
func NewStatic(cfg Config) *Provider {
	cfg.applyDefaults()
	p := &Provider{logger: slog.Default()}
	p.current.Store(cfg)
	return p
}

// Snapshot returns the current configuration. Callers must not retain it
// across requests; take a fresh snapshot per decision.
func (p *Provider) Snapshot() Config {
	return p.current.Load().(Config)
}

// Reload re-reads the file and swaps the snapshot. On failure the
// previous snapshot stays in effect.
func (p *Provider) Reload() error {
	if p.path == "" {
		return nil
	}
	cfg, err := Load(p.path)
	if err != nil {
		return fmt.Errorf("reloading config: %w", err)
	}
	p.current.Store(cfg)
	p.logger.Info("configuration reloaded", "path", p.path, "mode", cfg.Mode)
	return nil
}

// Watch starts reloading the snapshot whenever the file changes. The
// parent directory is watched because editors and config managers
// typically replace the file by rename.
func (p *Provider) Watch(ctx context.Context) error {
	if p.path == "" {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching config dir: %w", err)
	}

	p.watcher = watcher
	p.done = make(chan struct{})

	go p.watchLoop(ctx, watcher, p.done)
	return nil
}

func (p *Provider) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	target := filepath.Clean(p.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := p.Reload(); err != nil {
				p.logger.Error("config reload failed, keeping previous", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("config watcher error", "error", err)
		}
	}
}

// Close stops watching.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher == nil {
		return nil
	}
	err := p.watcher.Close()
	<-p.done
	p.watcher = nil
	return err
}
