package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"kiln/internal/contextpool"
	"kiln/pkg/model"
)

// ErrLegacyNodes is returned when the legacy cfg/nodes directory is
// present, which is a fatal startup condition (§4.2).
var ErrLegacyNodes = fmt.Errorf("cfg/nodes is a legacy configuration directory and is no longer supported")

// Loaded is the result of one configuration scan.
type Loaded struct {
	Jobs   map[string]*model.JobConfig
	Groups model.Groups
}

// Loader re-reads cfg/contexts, cfg/jobs and cfg/groups.conf under
// Settings.Home and reconciles them into a contextpool.Registry. It
// is re-entrant: Load is called once at startup and again from the
// file-watcher on every change notification (§4.2).
type Loader struct {
	settings Settings
	registry *contextpool.Registry
	log      *slog.Logger
}

// New builds a Loader bound to a specific registry.
func New(settings Settings, registry *contextpool.Registry, log *slog.Logger) *Loader {
	return &Loader{settings: settings, registry: registry, log: log}
}

// CheckLegacyLayout fails fast if cfg/nodes exists.
func (l *Loader) CheckLegacyLayout() error {
	nodesDir := filepath.Join(l.settings.Home, "cfg", "nodes")
	if st, err := os.Stat(nodesDir); err == nil && st.IsDir() {
		return ErrLegacyNodes
	}
	return nil
}

// Load performs one full re-scan and reconciles the context registry
// in place. Returns the freshly parsed job configs and groups.
func (l *Loader) Load() (*Loaded, error) {
	contextFiles, err := l.loadContexts()
	if err != nil {
		return nil, fmt.Errorf("load contexts: %w", err)
	}
	l.registry.Reconcile(contextFiles)

	jobs, err := l.loadJobs()
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}

	groups, err := l.loadGroups()
	if err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}

	return &Loaded{Jobs: jobs, Groups: groups}, nil
}

func (l *Loader) loadContexts() ([]contextpool.ContextFile, error) {
	dir := filepath.Join(l.settings.Home, "cfg", "contexts")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []contextpool.ContextFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".conf") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".conf")
		kv, err := parseKV(filepath.Join(dir, e.Name()))
		if err != nil {
			l.warn("skipping unreadable context file", "file", e.Name(), "err", err)
			continue
		}
		out = append(out, contextpool.ContextFile{
			Name:         name,
			NumExecutors: parseIntDefault(kv["EXECUTORS"], model.DefaultContextExecutors),
			JobPatterns:  splitCSV(kv["JOBS"]),
		})
	}
	return out, nil
}

func (l *Loader) loadJobs() (map[string]*model.JobConfig, error) {
	dir := filepath.Join(l.settings.Home, "cfg", "jobs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*model.JobConfig{}, nil
		}
		return nil, err
	}

	out := map[string]*model.JobConfig{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".conf") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".conf")
		kv, err := parseKV(filepath.Join(dir, e.Name()))
		if err != nil {
			l.warn("skipping unreadable job file", "file", e.Name(), "err", err)
			continue
		}
		contexts := splitCSV(kv["CONTEXTS"])
		if len(contexts) == 0 {
			contexts = []string{model.DefaultContextName}
		}
		out[name] = &model.JobConfig{
			Name:        name,
			Contexts:    contexts,
			Description: kv["DESCRIPTION"],
		}
	}
	return out, nil
}

func (l *Loader) loadGroups() (model.Groups, error) {
	path := filepath.Join(l.settings.Home, "cfg", "groups.conf")
	kv, err := parseGroups(path)
	if err != nil {
		return nil, err
	}
	if len(kv) == 0 {
		return model.DefaultGroups(), nil
	}
	return model.Groups(kv), nil
}

// HasRunScript reports whether cfg/jobs/<name>.run exists, the gate
// queueJob uses to validate a job name (§4.3).
func (l *Loader) HasRunScript(name string) bool {
	path := filepath.Join(l.settings.Home, "cfg", "jobs", name+".run")
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

// RunScriptPath returns the absolute path to a job's .run script.
func (l *Loader) RunScriptPath(name string) string {
	return filepath.Join(l.settings.Home, "cfg", "jobs", name+".run")
}

// ListKnownJobs enumerates configured job names from cfg/jobs/*.run,
// supplementing the spec with the discovery operation
// laminar.cpp exposes as Laminar::listKnownJobs.
func (l *Loader) ListKnownJobs() ([]string, error) {
	dir := filepath.Join(l.settings.Home, "cfg", "jobs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".run") {
			continue
		}
		out = append(out, strings.TrimSuffix(e.Name(), ".run"))
	}
	return out, nil
}

// HasCustomTemplate reports whether custom/index.html is present.
// Rendering it is a UI concern and out of scope; this existence check
// is kept so a real frontend can ask without this core doing any
// templating (§6, supplemented from laminar.cpp's loadCustomizations).
func (l *Loader) HasCustomTemplate() bool {
	path := filepath.Join(l.settings.Home, "custom", "index.html")
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

func (l *Loader) warn(msg string, args ...any) {
	if l.log != nil {
		l.log.Warn(msg, args...)
	}
}
