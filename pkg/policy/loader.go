package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay debounces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// Loader reads custom policies from .rego and .json files.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a policy file loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "policy-loader").Logger()}
}

// LoadFromPaths loads every policy named by paths. A directory is walked
// recursively and its unreadable files are skipped; a named file must load.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		var loaded []Policy
		if info.IsDir() {
			loaded, err = l.loadDirectory(ctx, path)
		} else {
			loaded, err = l.loadFromFile(ctx, path)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		out = append(out, loaded...)
	}

	l.logger.Debug().Int("total", len(out)).Int("sources", len(paths)).Msg("Policies loaded from paths")
	return out, nil
}

func (l *Loader) loadDirectory(ctx context.Context, dir string) ([]Policy, error) {
	files, err := policyFiles(dir)
	if err != nil {
		return nil, err
	}
	var out []Policy
	for _, path := range files {
		loaded, err := l.loadFromFile(ctx, path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
			continue
		}
		out = append(out, loaded...)
	}
	return out, nil
}

// policyFiles lists the .rego and .json files below dir in path order.
func policyFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isPolicyFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json":
		return true
	}
	return false
}

func (l *Loader) loadFromFile(_ context.Context, path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	switch filepath.Ext(path) {
	case ".rego":
		return []Policy{parseRegoFile(path, data)}, nil
	case ".json":
		return parseJSONFile(path, data)
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
}

// parseRegoFile turns a .rego file into one warning-level policy named after
// the file. Its leading comment block becomes the description.
func parseRegoFile(path string, data []byte) Policy {
	return Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: extractDescription(string(data)),
		Rego:        string(data),
		Severity:    SeverityWarning,
		Enabled:     true,
		Source:      path,
	}
}

// parseJSONFile accepts a single Policy or a Bundle ({"policies": [...]}).
func parseJSONFile(path string, data []byte) ([]Policy, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}

	var policies []Policy
	if _, ok := fields["policies"]; ok {
		var bundle Bundle
		if err := json.Unmarshal(data, &bundle); err != nil {
			return nil, fmt.Errorf("failed to parse policy bundle: %w", err)
		}
		policies = bundle.Policies
	} else {
		var p Policy
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
		}
		policies = []Policy{p}
	}

	for i := range policies {
		p := &policies[i]
		switch {
		case p.Name == "":
			return nil, fmt.Errorf("policy %d in %s has no name", i, path)
		case strings.TrimSpace(p.Rego) == "":
			return nil, fmt.Errorf("policy %s has no rego", p.Name)
		}
		if p.Severity == "" {
			p.Severity = SeverityWarning
		}
		p.Source = path
	}
	return policies, nil
}

// extractDescription joins the comment lines that open a Rego module.
func extractDescription(content string) string {
	var words []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "#") {
			break
		}
		if c := strings.TrimSpace(strings.TrimPrefix(line, "#")); c != "" {
			words = append(words, c)
		}
	}
	return strings.Join(words, " ")
}

// WatchDir calls apply with the full policy set from dir after each burst
// of .rego or .json changes. It returns once the watcher is set up; watching
// stops when ctx is done.
func (l *Loader) WatchDir(ctx context.Context, dir string, apply func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch policy directory %s: %w", dir, err)
	}

	reload := func() {
		if ctx.Err() != nil {
			return
		}
		policies, err := l.LoadFromPaths(ctx, []string{dir})
		if err == nil {
			err = apply(policies)
		}
		if err != nil {
			l.logger.Error().Err(err).Msg("Policy reload failed, keeping previous policies")
			return
		}
		l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Create) {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = watcher.Add(event.Name)
						continue
					}
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !isPolicyFile(event.Name) {
					continue
				}
				l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDelay, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Error().Err(err).Msg("Policy watcher error")
			}
		}
	}()

	l.logger.Info().Str("dir", dir).Msg("Started watching policy directory")
	return nil
}
