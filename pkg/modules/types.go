package modules

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Permanent module ids. Both are seeded on first run and can never be
// disabled through the public contract.
const (
	ModuleCore      = "core"
	ModuleDashboard = "dashboard"
)

// PermanentModules returns the module ids that are always enabled.
func PermanentModules() []string {
	return []string{ModuleCore, ModuleDashboard}
}

// IsPermanent reports whether the module id is permanently enabled.
func IsPermanent(id string) bool {
	return id == ModuleCore || id == ModuleDashboard
}

// EnvVarType is the closed set of environment variable types a module
// descriptor may declare. Unknown types are rejected at load time.
type EnvVarType string

const (
	EnvVarText     EnvVarType = "text"
	EnvVarPassword EnvVarType = "password"
	EnvVarSecret   EnvVarType = "secret"
	EnvVarBoolean  EnvVarType = "boolean"
	EnvVarPath     EnvVarType = "path"
)

// envVarTraits is the per-variant handling table. Rendering and input
// coercion consult this table instead of switching on raw strings.
type envVarTraits struct {
	// Masked hides the value in rendered output.
	Masked bool

	// Boolean coerces input to "true"/"false".
	Boolean bool

	// CleanPath normalizes the value as a filesystem path.
	CleanPath bool
}

var envVarTable = map[EnvVarType]envVarTraits{
	EnvVarText:     {},
	EnvVarPassword: {Masked: true},
	EnvVarSecret:   {Masked: true},
	EnvVarBoolean:  {Boolean: true},
	EnvVarPath:     {CleanPath: true},
}

// ParseEnvVarType validates a declared type string. An empty string
// defaults to text.
func ParseEnvVarType(s string) (EnvVarType, error) {
	if s == "" {
		return EnvVarText, nil
	}
	t := EnvVarType(s)
	if _, ok := envVarTable[t]; !ok {
		return "", fmt.Errorf("unknown env var type %q", s)
	}
	return t, nil
}

// Masked reports whether values of this type are hidden in rendered output.
func (t EnvVarType) Masked() bool { return envVarTable[t].Masked }

// Boolean reports whether values of this type are coerced to true/false.
func (t EnvVarType) Boolean() bool { return envVarTable[t].Boolean }

// CleanPath reports whether values of this type are normalized as paths.
func (t EnvVarType) CleanPath() bool { return envVarTable[t].CleanPath }

// EnvVar describes one configurable environment variable of a module.
type EnvVar struct {
	Type    EnvVarType
	Label   string
	Prompt  string
	Default string

	// ConfigEditable marks the variable as writable through the config
	// surface. Defaults to true when the descriptor omits it.
	ConfigEditable bool

	// Dangerous marks the variable as read-only in any rendered schema,
	// regardless of ConfigEditable.
	Dangerous bool
}

// UnmarshalYAML decodes an env var declaration, applying defaults and
// rejecting unknown types.
func (e *EnvVar) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Type           string `yaml:"type"`
		Label          string `yaml:"label"`
		Prompt         string `yaml:"prompt"`
		Default        string `yaml:"default"`
		ConfigEditable *bool  `yaml:"config_editable"`
		Dangerous      bool   `yaml:"dangerous"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	t, err := ParseEnvVarType(raw.Type)
	if err != nil {
		return err
	}

	e.Type = t
	e.Label = raw.Label
	e.Prompt = raw.Prompt
	e.Default = raw.Default
	e.ConfigEditable = raw.ConfigEditable == nil || *raw.ConfigEditable
	e.Dangerous = raw.Dangerous
	return nil
}

// Service describes one container service declared by a module.
type Service struct {
	FriendlyName string `yaml:"friendly_name"`
	Description  string `yaml:"description"`
	PortMap      string `yaml:"port_map"`
	HTTPS        bool   `yaml:"https"`
	Tip          string `yaml:"tip"`
}

// Theme describes the module's presentation hints.
type Theme struct {
	Emoji string `yaml:"emoji"`
	Color string `yaml:"color"`
	Bg    string `yaml:"bg"`
}

// SetupTemplate is one template file copied into the module's config
// directory on first enable.
type SetupTemplate struct {
	Source string `yaml:"source"`
	Dest   string `yaml:"dest"`
}

// Setup holds the module's one-time setup declarations.
type Setup struct {
	Templates []SetupTemplate `yaml:"templates"`
}

// Tips is a list of hint strings. Descriptors may declare either a plain
// list or a mapping; mappings are flattened to "key: text" entries in key
// order.
type Tips []string

// UnmarshalYAML accepts both sequence and mapping forms.
func (t *Tips) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*t = list
		return nil
	case yaml.MappingNode:
		var m map[string]string
		if err := value.Decode(&m); err != nil {
			return err
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]string, 0, len(m))
		for _, k := range keys {
			out = append(out, fmt.Sprintf("%s: %s", k, m[k]))
		}
		*t = out
		return nil
	default:
		return fmt.Errorf("tips must be a list or a mapping")
	}
}

// Descriptor is the parsed metadata block of one module. It is never
// mutated after load; registry queries re-read it from disk.
type Descriptor struct {
	ID               string             `yaml:"id" validate:"required"`
	Title            string             `yaml:"title"`
	Tagline          string             `yaml:"tagline"`
	Category         string             `yaml:"category"`
	Required         bool               `yaml:"required"`
	Default          bool               `yaml:"default"`
	RAM              string             `yaml:"ram"`
	Theme            Theme              `yaml:"theme"`
	Tips             Tips               `yaml:"tips"`
	EnvVars          map[string]EnvVar  `yaml:"env_vars"`
	CriticalServices []string           `yaml:"critical_services"`
	Services         map[string]Service `yaml:"services"`
	Setup            Setup              `yaml:"setup"`

	// Dir is the module directory the descriptor was loaded from.
	Dir string `yaml:"-"`
}

// ContainerName returns the managed container name for one of the
// module's services.
func (d *Descriptor) ContainerName(prefix, serviceKey string) string {
	return prefix + d.ID + "-" + serviceKey
}

// ServiceContainers returns the managed container names of all declared
// services, sorted for stable iteration.
func (d *Descriptor) ServiceContainers(prefix string) []string {
	names := make([]string, 0, len(d.Services))
	for key := range d.Services {
		names = append(names, d.ContainerName(prefix, key))
	}
	sort.Strings(names)
	return names
}

// IsCritical reports whether the container name is flagged as risky to
// stop without confirmation.
func (d *Descriptor) IsCritical(containerName string) bool {
	for _, c := range d.CriticalServices {
		if c == containerName {
			return true
		}
	}
	return false
}
