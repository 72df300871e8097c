package configstore

import (
	"context"
	"sort"

	"github.com/havenlabs/haven/pkg/modules"
)

// Field is one editable configuration entry in the rendered schema.
// Fields are derived, never persisted; they are regenerated from the
// current enabled set and the matching descriptors on every call.
type Field struct {
	Key       string             `json:"key"`
	Label     string             `json:"label"`
	Prompt    string             `json:"prompt,omitempty"`
	Type      modules.EnvVarType `json:"type"`
	Default   string             `json:"default,omitempty"`
	Dangerous bool               `json:"dangerous,omitempty"`

	// Value is the current stored value, filled in by Store.Render.
	// Masked types carry a placeholder instead of the real value.
	Value string `json:"value,omitempty"`

	// ReadOnly is set for dangerous fields regardless of their
	// config_editable flag, and for fields declared non-editable.
	ReadOnly bool `json:"read_only,omitempty"`
}

// Group is a rendered schema section: the fixed system fields, or one
// enabled module's declared env vars.
type Group struct {
	// Module is the owning module id, or "system" for the fixed group.
	Module string `json:"module"`

	// Title is the rendering title for the group.
	Title string `json:"title"`

	Fields []Field `json:"fields"`
}

// SystemGroupID names the fixed system field group.
const SystemGroupID = "system"

// systemFields is the fixed set of host-level configuration fields that
// is always editable regardless of which modules are enabled.
var systemFields = []Field{
	{Key: "HAVEN_DOMAIN", Label: "Domain", Prompt: "Base domain for all services", Type: modules.EnvVarText},
	{Key: "HAVEN_TIMEZONE", Label: "Timezone", Prompt: "Host timezone, e.g. Europe/Berlin", Type: modules.EnvVarText, Default: "UTC"},
	{Key: "HAVEN_ADMIN_EMAIL", Label: "Admin email", Prompt: "Address for expiry and alert mail", Type: modules.EnvVarText},
	{Key: "HAVEN_AUTO_UPDATE", Label: "Automatic updates", Prompt: "Pull new images on deploy", Type: modules.EnvVarBoolean, Default: "true"},
}

// Builder derives the editable configuration surface from the registry
// and the enabled set. Both operations are pure functions of the current
// state: toggling a module immediately changes what is editable.
type Builder struct {
	registry *modules.Registry
	state    *modules.StateFile
}

// NewBuilder creates a schema builder.
func NewBuilder(registry *modules.Registry, state *modules.StateFile) *Builder {
	return &Builder{registry: registry, state: state}
}

// AllowedKeys returns the write allowlist: the fixed system keys plus
// every config_editable env var key of every currently enabled module.
func (b *Builder) AllowedKeys(ctx context.Context) (map[string]bool, error) {
	allowed := make(map[string]bool, len(systemFields))
	for _, f := range systemFields {
		allowed[f.Key] = true
	}

	descriptors, err := b.enabledDescriptors(ctx)
	if err != nil {
		return nil, err
	}
	for _, desc := range descriptors {
		for key, ev := range desc.EnvVars {
			if ev.ConfigEditable {
				allowed[key] = true
			}
		}
	}
	return allowed, nil
}

// Schema returns the grouped field list for rendering: the system group
// first, then one group per enabled module that declares env vars.
func (b *Builder) Schema(ctx context.Context) ([]Group, error) {
	groups := []Group{{
		Module: SystemGroupID,
		Title:  "System",
		Fields: systemFields,
	}}

	descriptors, err := b.enabledDescriptors(ctx)
	if err != nil {
		return nil, err
	}
	for _, desc := range descriptors {
		if len(desc.EnvVars) == 0 {
			continue
		}

		keys := make([]string, 0, len(desc.EnvVars))
		for key := range desc.EnvVars {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		fields := make([]Field, 0, len(keys))
		for _, key := range keys {
			ev := desc.EnvVars[key]
			label := ev.Label
			if label == "" {
				label = key
			}
			fields = append(fields, Field{
				Key:       key,
				Label:     label,
				Prompt:    ev.Prompt,
				Type:      ev.Type,
				Default:   ev.Default,
				Dangerous: ev.Dangerous,
				ReadOnly:  ev.Dangerous || !ev.ConfigEditable,
			})
		}
		groups = append(groups, Group{
			Module: desc.ID,
			Title:  desc.Title,
			Fields: fields,
		})
	}
	return groups, nil
}

// FieldType looks up the declared type of an allowed key, defaulting to
// text for unknown keys.
func (b *Builder) FieldType(ctx context.Context, key string) (modules.EnvVarType, error) {
	for _, f := range systemFields {
		if f.Key == key {
			return f.Type, nil
		}
	}
	descriptors, err := b.enabledDescriptors(ctx)
	if err != nil {
		return modules.EnvVarText, err
	}
	for _, desc := range descriptors {
		if ev, ok := desc.EnvVars[key]; ok {
			return ev.Type, nil
		}
	}
	return modules.EnvVarText, nil
}

// enabledDescriptors returns the descriptors of currently enabled
// modules, in enabled-set order. Enabled ids without a descriptor are
// skipped here; the lifecycle list is where they are reported.
func (b *Builder) enabledDescriptors(ctx context.Context) ([]modules.Descriptor, error) {
	descriptors, _, err := b.registry.Discover(ctx)
	if err != nil {
		return nil, err
	}
	enabled, err := b.state.Load()
	if err != nil {
		return nil, err
	}

	byID := make(map[string]modules.Descriptor, len(descriptors))
	for _, d := range descriptors {
		byID[d.ID] = d
	}

	out := make([]modules.Descriptor, 0, len(enabled))
	for _, id := range enabled {
		if d, ok := byID[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}
