// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pluginloader finds the plugins available to a run: the built-in
// plugins compiled into the daemon and the shared objects in a plugin
// directory.
package pluginloader

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"plugin"
	"slices"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/metrics"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/pluginabi"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/pluginhost"
)

const builtinPrefix = "builtin:"

// Factory returns the entry points of a built-in plugin.
type Factory func() pluginabi.EntryPoints

// Registry holds the built-in plugins.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a built-in plugin. Registering a name twice replaces the
// earlier factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[name] = f
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

func (r *Registry) factory(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[name]

	return f, ok
}

// SymbolTable resolves exported symbols of an opened shared object.
// *plugin.Plugin satisfies it.
type SymbolTable interface {
	Lookup(symName string) (plugin.Symbol, error)
}

// OpenFunc opens the shared object at path.
type OpenFunc func(path string) (SymbolTable, error)

func openShared(path string) (SymbolTable, error) {
	return plugin.Open(path)
}

// Loader produces fresh plugin handles for each run.
type Loader struct {
	registry   *Registry
	defaultDir string
	open       OpenFunc
	logger     *slog.Logger
}

// Option customizes a Loader.
type Option func(*Loader)

// WithOpenFunc replaces plugin.Open.
func WithOpenFunc(open OpenFunc) Option {
	return func(l *Loader) { l.open = open }
}

// New returns a loader for the built-ins in registry and the shared objects
// in defaultDir. An empty defaultDir disables shared object discovery unless
// a run names its own directory.
func New(registry *Registry, defaultDir string, logger *slog.Logger, opts ...Option) *Loader {
	l := &Loader{
		registry:   registry,
		defaultDir: defaultDir,
		open:       openShared,
		logger:     logger,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Load opens every available plugin. dir overrides the default plugin
// directory when set. A plugin that cannot be opened is left out and its
// failure is part of the returned error; the handles of the others are
// returned regardless.
func (l *Loader) Load(dir string) ([]*pluginhost.Handle, error) {
	var (
		handles []*pluginhost.Handle
		errs    *multierror.Error
		seen    = make(map[string]string)
	)

	add := func(source string, entry pluginabi.EntryPoints) {
		h, err := pluginhost.Open(source, entry, l.logger)
		if err != nil {
			errs = multierror.Append(errs, err)
			return
		}

		if prev, dup := seen[h.Name()]; dup {
			errs = multierror.Append(errs, fmt.Errorf("plugin %s from %s is already provided by %s: %w",
				h.Name(), source, prev, dcgm.StatusPluginFailure))

			return
		}

		seen[h.Name()] = source
		handles = append(handles, h)
	}

	for _, name := range l.registry.Names() {
		if f, ok := l.registry.factory(name); ok && f != nil {
			add(builtinPrefix+name, f())
		}
	}

	if dir == "" {
		dir = l.defaultDir
	}

	paths, err := discover(dir)
	if err != nil {
		errs = multierror.Append(errs, err)
	}

	for _, path := range paths {
		entry, err := l.resolve(path)
		if err != nil {
			metrics.PluginFailures.WithLabelValues(path, "load").Inc()
			errs = multierror.Append(errs, err)

			continue
		}

		add(path, entry)
	}

	l.logger.Debug("Loaded plugins", "count", len(handles), "dir", dir)

	return handles, errs.ErrorOrNil()
}

func discover(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read plugin directory %s: %w", dir, err)
	}

	var paths []string

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".so") {
			continue
		}

		paths = append(paths, filepath.Join(dir, e.Name()))
	}

	return paths, nil
}

func (l *Loader) resolve(path string) (pluginabi.EntryPoints, error) {
	table, err := l.open(path)
	if err != nil {
		return pluginabi.EntryPoints{}, fmt.Errorf("failed to open plugin %s: %v: %w", path, err, dcgm.StatusPluginFailure)
	}

	var (
		entry   pluginabi.EntryPoints
		missing []string
	)

	bind(table, pluginabi.SymbolGetPluginInterfaceVersion, &entry.GetPluginInterfaceVersion, &missing)
	bind(table, pluginabi.SymbolGetPluginInfo, &entry.GetPluginInfo, &missing)
	bind(table, pluginabi.SymbolInitializePlugin, &entry.InitializePlugin, &missing)
	bind(table, pluginabi.SymbolRunTest, &entry.RunTest, &missing)
	bind(table, pluginabi.SymbolRetrieveCustomStats, &entry.RetrieveCustomStats, &missing)
	bind(table, pluginabi.SymbolRetrieveResults, &entry.RetrieveResults, &missing)
	bind(table, pluginabi.SymbolShutdownPlugin, &entry.ShutdownPlugin, &missing)

	if len(missing) > 0 {
		return pluginabi.EntryPoints{}, fmt.Errorf("plugin %s does not export %s: %w",
			path, strings.Join(missing, ", "), dcgm.StatusPluginFailure)
	}

	return entry, nil
}

// bind resolves name to a function of type T. The exported symbol may be
// the function itself or a variable holding it.
func bind[T any](table SymbolTable, name string, dst *T, missing *[]string) {
	sym, err := table.Lookup(name)
	if err != nil {
		*missing = append(*missing, name)
		return
	}

	switch fn := sym.(type) {
	case T:
		*dst = fn
	case *T:
		*dst = *fn
	default:
		*missing = append(*missing, name)
	}
}
