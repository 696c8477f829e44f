package session

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// networkField handles YAML unmarshaling of network: string | []string,
// grounded in egg.NetworkField: "none"/""→nil, a bare scalar→single-element
// list, a YAML sequence→as-is.
type networkField []string

func (n *networkField) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		s := value.Value
		if s == "none" || s == "" {
			*n = nil
			return nil
		}
		*n = networkField{s}
		return nil
	}
	var list []string
	if err := value.Decode(&list); err != nil {
		return err
	}
	*n = networkField(list)
	return nil
}

// workspaceProfile is the on-disk YAML shape a caller may supply at session
// creation to configure filesystem/network isolation, grounded in
// egg.RunConfig — trimmed to the fields WorkspaceIsolation (§3, §4.D)
// actually models, since template rendering and agent-settings wiring
// belong to the (out-of-scope) external template layer.
type workspaceProfile struct {
	FS      []string     `yaml:"fs"`
	Network networkField `yaml:"network"`
	Shell   string       `yaml:"shell,omitempty"`
	Audit   bool         `yaml:"audit"`
}

// ParseWorkspaceProfile decodes a YAML profile document into the
// WorkspaceIsolation this session should run under, plus whether the
// profile requests audit recording. An empty document parses to
// IsolationNone with no mount rules.
func ParseWorkspaceProfile(data []byte) (WorkspaceIsolation, bool, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return WorkspaceIsolation{Mode: IsolationNone}, false, nil
	}
	var p workspaceProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return WorkspaceIsolation{}, false, fmt.Errorf("parse workspace profile: %w", err)
	}
	mode := IsolationNone
	if len(p.FS) > 0 {
		mode = IsolationDirectory
	}
	networkPolicy := "none"
	switch {
	case len(p.Network) == 0:
		networkPolicy = "none"
	case len(p.Network) == 1 && p.Network[0] == "*":
		networkPolicy = "full"
	default:
		networkPolicy = "domains"
	}
	iso := WorkspaceIsolation{
		Mode:          mode,
		MountRules:    p.FS,
		NetworkPolicy: networkPolicy,
	}
	if networkPolicy == "domains" {
		iso.Domains = []string(p.Network)
	}
	return iso, p.Audit, nil
}

// RenderProfile serializes a WorkspaceIsolation back to the YAML shape
// ParseWorkspaceProfile accepts, used when persisting a terminated session's
// resolved config (§6's persisted metadata "template linkage, isolation
// mode" fields) in a human-readable form instead of only the Go struct's
// JSON encoding.
func (w WorkspaceIsolation) RenderProfile() ([]byte, error) {
	p := workspaceProfile{FS: w.MountRules}
	switch w.NetworkPolicy {
	case "full":
		p.Network = networkField{"*"}
	case "domains":
		p.Network = networkField(w.Domains)
	default:
		p.Network = nil
	}
	return yaml.Marshal(p)
}
