package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/ast"
	"github.com/rs/zerolog"
)

// PolicyPackage is the Rego package every transaction policy is declared
// under, e.g. "package froyo.policies.limits".
const PolicyPackage = "froyo.policies"

// reloadDelay coalesces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// Loader reads transaction policies from .rego and .json files and can watch
// them for changes.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedFile
	stop  context.CancelFunc
}

// cachedFile is a parsed policy file and the stat data it was parsed from.
type cachedFile struct {
	modTime time.Time
	size    int64
	policy  Policy
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedFile),
	}
}

// LoadFromPaths reads the policies under paths. A path names a policy file
// or a directory searched recursively; other files inside directories are
// ignored. Every unreadable or invalid policy is reported.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var (
		policies []Policy
		errs     []error
	)
	for _, root := range paths {
		files, err := policyFiles(root)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, file := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			p, err := l.Load(file)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			policies = append(policies, p)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	l.logger.Info().
		Int("total", len(policies)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")
	return policies, nil
}

func policyFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("policy path %s: %w", root, err)
	}
	if !info.IsDir() {
		if !isPolicyFile(root) {
			return nil, fmt.Errorf("%s is not a .rego or .json policy file", root)
		}
		return []string{root}, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isPolicyFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return files, nil
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json":
		return true
	}
	return false
}

// Load reads one policy file. The parsed result is reused until the file's
// size or modification time changes.
func (l *Loader) Load(path string) (Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Policy{}, fmt.Errorf("policy %s: %w", path, err)
	}

	l.mu.Lock()
	c, ok := l.cache[path]
	l.mu.Unlock()
	if ok && c.size == info.Size() && c.modTime.Equal(info.ModTime()) {
		return c.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy %s: %w", path, err)
	}

	var p Policy
	switch filepath.Ext(path) {
	case ".rego":
		p, err = regoPolicy(path, data)
	case ".json":
		p, err = jsonPolicy(data)
	default:
		err = fmt.Errorf("unsupported file type")
	}
	if err != nil {
		return Policy{}, fmt.Errorf("policy %s: %w", path, err)
	}
	p.Source = path

	l.mu.Lock()
	l.cache[path] = cachedFile{modTime: info.ModTime(), size: info.Size(), policy: p}
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", path).
		Str("policy", p.Name).
		Msg("Policy loaded from file")
	return p, nil
}

func (l *Loader) forget(path string) {
	l.mu.Lock()
	delete(l.cache, path)
	l.mu.Unlock()
}

// regoPolicy names the policy after its file and takes the description from
// the comment block above the package clause.
func regoPolicy(path string, data []byte) (Policy, error) {
	name := strings.TrimSuffix(filepath.Base(path), ".rego")
	module, err := parseModule(name, string(data))
	if err != nil {
		return Policy{}, err
	}
	return Policy{
		Name:        name,
		Description: leadingComment(module),
		Rego:        string(data),
		Severity:    SeverityWarning,
		Enabled:     true,
	}, nil
}

// jsonPolicy decodes a policy definition. Omitted fields default to an
// enabled policy of warning severity.
func jsonPolicy(data []byte) (Policy, error) {
	p := Policy{Enabled: true, Severity: SeverityWarning}
	if err := json.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if p.Name == "" {
		return Policy{}, fmt.Errorf("JSON policy has no name")
	}
	if p.Rego == "" {
		return Policy{}, fmt.Errorf("JSON policy %s has no rego module", p.Name)
	}
	switch p.Severity {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
	default:
		return Policy{}, fmt.Errorf("JSON policy %s has unknown severity %q", p.Name, p.Severity)
	}
	if _, err := parseModule(p.Name, p.Rego); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// parseModule parses src and checks that it can apply to a transaction: the
// module must sit under PolicyPackage and define a deny rule.
func parseModule(name, src string) (*ast.Module, error) {
	module, err := ast.ParseModule(name, src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, fmt.Errorf("policy module is empty")
	}

	pkg := strings.TrimPrefix(module.Package.Path.String(), "data.")
	if !strings.HasPrefix(pkg, PolicyPackage+".") {
		return nil, fmt.Errorf("package %s is not under %s", pkg, PolicyPackage)
	}
	for _, rule := range module.Rules {
		if rule.Head.Ref().String() == "deny" {
			return module, nil
		}
	}
	return nil, fmt.Errorf("package %s defines no deny rule", pkg)
}

// leadingComment joins the comment lines above the package clause.
func leadingComment(module *ast.Module) string {
	var lines []string
	for _, c := range module.Comments {
		if c.Location == nil || module.Package.Location == nil || c.Location.Row >= module.Package.Location.Row {
			break
		}
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(string(c.Text)), "#"))
		if text != "" {
			lines = append(lines, text)
		}
	}
	return strings.Join(lines, " ")
}

// Watch calls reload with the policies under paths each time a policy file
// there is written, created, renamed or removed, until ctx is done.
// Directories created later are watched as well. A second Watch replaces the
// first.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	for _, root := range paths {
		if err := addTree(watcher, root); err != nil {
			l.logger.Warn().Err(err).Str("path", root).Msg("Failed to watch policy path")
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	previous := l.stop
	l.stop = cancel
	l.mu.Unlock()
	if previous != nil {
		previous()
	}

	go l.watch(ctx, watcher, paths, reload)

	l.logger.Info().
		Int("paths", len(paths)).
		Msg("Started watching policy paths")
	return nil
}

// addTree watches every directory under root. A file is watched through its
// directory so that editors replacing it do not end the watch.
func addTree(w *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.Add(filepath.Dir(root))
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

func (l *Loader) watch(ctx context.Context, w *fsnotify.Watcher, paths []string, reload func([]Policy) error) {
	defer w.Close()

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(reloadDelay)
		} else {
			timer.Reset(reloadDelay)
		}
		fire = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addTree(w, event.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
					// Files may have landed before the directory was watched.
					schedule()
					continue
				}
			}
			if !isPolicyFile(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				l.forget(event.Name)
			}
			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")
			schedule()

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")

		case <-fire:
			fire = nil
			if ctx.Err() != nil {
				return
			}
			policies, err := l.LoadFromPaths(ctx, paths)
			if err == nil {
				err = reload(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload policies")
				continue
			}
			l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
		}
	}
}
