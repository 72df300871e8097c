package configstore

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/havenlabs/haven/pkg/errdefs"
	"github.com/havenlabs/haven/pkg/modules"
	"github.com/havenlabs/haven/pkg/telemetry"
)

// maskedValue replaces password and secret values in rendered output.
const maskedValue = "********"

// Store reads and writes the shared KEY=VALUE environment file. Every
// write is checked against the builder's allowlist before anything is
// persisted: one disallowed key rejects the whole update.
type Store struct {
	path    string
	builder *Builder
	logger  *telemetry.Logger

	mu sync.Mutex
}

// NewStore creates a config store over the env file at path.
func NewStore(path string, builder *Builder, logger *telemetry.Logger) *Store {
	return &Store{
		path:    path,
		builder: builder,
		logger:  logger.NewComponentLogger("configstore"),
	}
}

// Path returns the env file location.
func (s *Store) Path() string {
	return s.path
}

// Read returns all stored key/value pairs. A missing file is an empty
// configuration, not an error.
func (s *Store) Read() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readLines()
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	for _, line := range lines {
		key, value, ok := parseLine(line)
		if ok {
			values[key] = value
		}
	}
	return values, nil
}

// Update applies the given key/value pairs to the env file. Every key
// must be on the current allowlist; if any is not, the update is
// rejected as a whole and nothing is written. Values are coerced per
// their declared type before persisting, and the rewrite is atomic.
func (s *Store) Update(ctx context.Context, updates map[string]string) error {
	if len(updates) == 0 {
		return nil
	}

	allowed, err := s.builder.AllowedKeys(ctx)
	if err != nil {
		return err
	}
	for key := range updates {
		if !allowed[key] {
			return errdefs.NewValidation("key is not editable", nil).
				WithResource(key).
				WithOperation("config.update").
				WithCode(errdefs.ErrCodeDisallowedKey)
		}
	}

	coerced := make(map[string]string, len(updates))
	for key, value := range updates {
		t, err := s.builder.FieldType(ctx, key)
		if err != nil {
			return err
		}
		coerced[key] = coerceValue(t, value)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readLines()
	if err != nil {
		return err
	}

	// Rewrite existing entries in place, keeping comments and unrelated
	// keys untouched, then append new keys in sorted order.
	pending := make(map[string]string, len(coerced))
	for k, v := range coerced {
		pending[k] = v
	}
	for i, line := range lines {
		key, _, ok := parseLine(line)
		if !ok {
			continue
		}
		if value, hit := pending[key]; hit {
			lines[i] = key + "=" + value
			delete(pending, key)
		}
	}

	added := make([]string, 0, len(pending))
	for key := range pending {
		added = append(added, key)
	}
	sort.Strings(added)
	for _, key := range added {
		lines = append(lines, key+"="+pending[key])
	}

	if err := s.writeLines(lines); err != nil {
		return err
	}

	keys := make([]string, 0, len(coerced))
	for key := range coerced {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	s.logger.WithField("keys", strings.Join(keys, ",")).Info("configuration updated")
	return nil
}

// Render returns the current schema with stored values filled in.
// Masked field types never expose their stored value; a non-empty value
// is replaced with a placeholder.
func (s *Store) Render(ctx context.Context) ([]Group, error) {
	groups, err := s.builder.Schema(ctx)
	if err != nil {
		return nil, err
	}
	values, err := s.Read()
	if err != nil {
		return nil, err
	}

	for gi := range groups {
		for fi := range groups[gi].Fields {
			f := &groups[gi].Fields[fi]
			value, ok := values[f.Key]
			if !ok {
				value = f.Default
			}
			if f.Type.Masked() && value != "" {
				value = maskedValue
			}
			f.Value = value
		}
	}
	return groups, nil
}

func (s *Store) readLines() ([]string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errdefs.NewInternal("read env file", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	return lines, nil
}

func (s *Store) writeLines(lines []string) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errdefs.NewInternal("create env directory", err)
	}

	tmp, err := os.CreateTemp(dir, ".haven-env-*")
	if err != nil {
		return errdefs.NewInternal("create env temp file", err)
	}
	tmpName := tmp.Name()

	content := ""
	if len(lines) > 0 {
		content = strings.Join(lines, "\n") + "\n"
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errdefs.NewInternal("write env file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errdefs.NewInternal("close env file", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return errdefs.NewInternal("chmod env file", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return errdefs.NewInternal("rename env file", err)
	}
	return nil
}

// parseLine splits one env file line into key and value. Comments and
// blank lines report ok=false.
func parseLine(line string) (key, value string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", "", false
	}
	idx := strings.Index(trimmed, "=")
	if idx <= 0 {
		return "", "", false
	}
	return strings.TrimSpace(trimmed[:idx]), strings.TrimSpace(trimmed[idx+1:]), true
}

// coerceValue normalizes an input value per the field type's traits.
func coerceValue(t modules.EnvVarType, value string) string {
	switch {
	case t.Boolean():
		if isTruthy(value) {
			return "true"
		}
		return "false"
	case t.CleanPath():
		return filepath.Clean(value)
	default:
		return value
	}
}

func isTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}
