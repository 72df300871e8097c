package containers

import (
	"fmt"
	"strings"

	"github.com/havenlabs/haven/pkg/containers/dockerapi"
)

// Container is the gateway's view of one managed container.
type Container struct {
	// ID is the short (12 character) container id.
	ID string `json:"id"`

	// Name is the container name without the leading slash.
	Name string `json:"name"`

	Image  string   `json:"image"`
	State  string   `json:"state"`
	Status string   `json:"status"`
	Ports  []string `json:"ports,omitempty"`

	// Module is the owning module id derived from the container name.
	Module string `json:"module,omitempty"`
}

// Running reports whether the container is currently running.
func (c *Container) Running() bool {
	return c.State == "running"
}

// Stats is a one-shot resource usage sample. Percentages carry two
// decimals.
type Stats struct {
	Name       string  `json:"name"`
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
	MemUsage   uint64  `json:"mem_usage"`
	MemLimit   uint64  `json:"mem_limit"`
}

// summaryName returns the primary container name without the daemon's
// leading slash.
func summaryName(s dockerapi.ContainerSummary) string {
	if len(s.Names) == 0 {
		return ""
	}
	return strings.TrimPrefix(s.Names[0], "/")
}

// moduleFromName derives the owning module id from a managed container
// name: everything between the prefix and the final service segment.
func moduleFromName(name, prefix string) string {
	rest := strings.TrimPrefix(name, prefix)
	idx := strings.LastIndex(rest, "-")
	if idx <= 0 {
		return rest
	}
	return rest[:idx]
}

// formatPorts renders the published port list as host:container/proto
// strings.
func formatPorts(ports []dockerapi.Port) []string {
	if len(ports) == 0 {
		return nil
	}
	out := make([]string, 0, len(ports))
	seen := make(map[string]bool)
	for _, p := range ports {
		var s string
		if p.PublicPort > 0 {
			s = fmt.Sprintf("%d:%d/%s", p.PublicPort, p.PrivatePort, p.Type)
		} else {
			s = fmt.Sprintf("%d/%s", p.PrivatePort, p.Type)
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// shortID truncates a full container id to the familiar 12 characters.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
