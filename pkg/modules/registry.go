package modules

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/havenlabs/haven/pkg/errdefs"
	"github.com/havenlabs/haven/pkg/telemetry"
)

// extensionKey is the top-level mapping key carrying the module metadata
// inside the compose file.
const extensionKey = "x-haven"

// composeFileNames are checked in order inside each module directory.
var composeFileNames = []string{
	"compose.yml",
	"compose.yaml",
	"docker-compose.yml",
	"docker-compose.yaml",
}

// Skipped reports a module directory whose descriptor could not be loaded.
type Skipped struct {
	// Dir is the module directory name.
	Dir string

	// Reason is the parse or validation failure.
	Reason string
}

// Registry discovers module descriptors from the modules directory.
// Descriptors are re-read on every query so external edits are picked up
// without a restart.
type Registry struct {
	dir      string
	logger   *telemetry.Logger
	validate *validator.Validate
}

// NewRegistry creates a registry over the given modules directory.
func NewRegistry(dir string, logger *telemetry.Logger) *Registry {
	return &Registry{
		dir:      dir,
		logger:   logger.NewComponentLogger("registry"),
		validate: validator.New(),
	}
}

// Dir returns the modules directory the registry scans.
func (r *Registry) Dir() string {
	return r.dir
}

// Discover scans the modules directory and parses every module's
// descriptor. Unparsable descriptors are skipped and reported, never
// fatal to the overall scan. The result is sorted by module id.
func (r *Registry) Discover(ctx context.Context) ([]Descriptor, []Skipped, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, nil, errdefs.NewInternal("read modules directory", err).WithOperation("discover")
	}

	var (
		descriptors []Descriptor
		skipped     []Skipped
	)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if !entry.IsDir() {
			continue
		}

		moduleDir := filepath.Join(r.dir, entry.Name())
		path, ok := findComposeFile(moduleDir)
		if !ok {
			continue
		}

		desc, err := r.load(path)
		if err != nil {
			r.logger.WithModule(entry.Name()).WithError(err).Warn("skipping module with bad descriptor")
			skipped = append(skipped, Skipped{Dir: entry.Name(), Reason: err.Error()})
			continue
		}
		desc.Dir = moduleDir
		descriptors = append(descriptors, *desc)
	}

	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].ID < descriptors[j].ID })
	return descriptors, skipped, nil
}

// Get returns the descriptor for a single module id, re-reading it from
// disk. Returns a validation error when the id resolves to no descriptor.
func (r *Registry) Get(ctx context.Context, id string) (*Descriptor, error) {
	descriptors, _, err := r.Discover(ctx)
	if err != nil {
		return nil, err
	}
	for i := range descriptors {
		if descriptors[i].ID == id {
			return &descriptors[i], nil
		}
	}
	return nil, errdefs.NewValidation("unknown module", nil).
		WithResource(id).
		WithCode(errdefs.ErrCodeUnknownModule)
}

// load parses one compose file and extracts the x-haven block.
func (r *Registry) load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var doc struct {
		Haven *Descriptor `yaml:"x-haven"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if doc.Haven == nil {
		return nil, fmt.Errorf("%s has no %s block", path, extensionKey)
	}

	desc := doc.Haven
	applyDefaults(desc)

	if err := r.validate.Struct(desc); err != nil {
		return nil, fmt.Errorf("invalid descriptor in %s: %w", path, err)
	}
	return desc, nil
}

// applyDefaults fills documented defaults for optional fields, once, at
// load time.
func applyDefaults(d *Descriptor) {
	if d.Category == "" {
		d.Category = "other"
	}
	if d.RAM == "" {
		d.RAM = "?"
	}
	if d.Title == "" {
		d.Title = d.ID
	}
}

// ComposeFile returns the module directory's compose file path, if any.
// Deployment tooling uses it to target the same file discovery parsed.
func ComposeFile(dir string) (string, bool) {
	return findComposeFile(dir)
}

// isComposeFileName reports whether the file name is one of the
// recognized compose file names.
func isComposeFileName(name string) bool {
	for _, candidate := range composeFileNames {
		if name == candidate {
			return true
		}
	}
	return false
}

// findComposeFile returns the module's compose file path, if any.
func findComposeFile(dir string) (string, bool) {
	for _, name := range composeFileNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// ReadField extracts a single scalar field from the x-haven block of a
// descriptor file without a full parse. Used for fast lookups during
// interactive flows. Returns an empty string when the block or field is
// absent.
func ReadField(path, field string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	inBlock := false
	blockIndent := -1
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()

		if !inBlock {
			if strings.HasPrefix(line, extensionKey+":") {
				inBlock = true
			}
			continue
		}

		// The block ends at the next top-level key.
		if len(line) > 0 && line[0] != ' ' && line[0] != '\t' && line[0] != '#' {
			break
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		// Only first-level keys of the block count; deeper indentation
		// belongs to nested sections like env_vars.
		indent := len(line) - len(strings.TrimLeft(line, " \t"))
		if blockIndent < 0 {
			blockIndent = indent
		}
		if indent != blockIndent {
			continue
		}

		if !strings.HasPrefix(trimmed, field+":") {
			continue
		}

		value := strings.TrimSpace(strings.TrimPrefix(trimmed, field+":"))
		if i := strings.Index(value, " #"); i >= 0 {
			value = strings.TrimSpace(value[:i])
		}
		value = strings.Trim(value, `"'`)
		return value, nil
	}
	return "", scanner.Err()
}
