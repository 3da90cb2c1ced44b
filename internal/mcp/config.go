package mcp

import (
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"
)

// Access modes.
const (
	ModeReadOnly = "read-only"
	ModeSign     = "sign"
)

// AccessPolicy controls what the MCP server may do on the agent's behalf.
type AccessPolicy struct {
	AccessMode         string   `yaml:"access_mode"`
	IdentitiesAllow    []string `yaml:"identities_allow"`
	IdentitiesDeny     []string `yaml:"identities_deny"`
	PathsAllow         []string `yaml:"paths_allow"`
	MaxSignsPerSession int      `yaml:"max_signs_per_session"`
}

// DefaultPolicy returns a read-only policy: identities can be listed and
// documents verified, but nothing is signed.
func DefaultPolicy() *AccessPolicy {
	return &AccessPolicy{
		AccessMode:         ModeReadOnly,
		IdentitiesAllow:    []string{"*"},
		MaxSignsPerSession: 20,
	}
}

// LoadPolicy reads an access policy from a YAML file.
// Returns nil, nil if the file does not exist.
func LoadPolicy(path string) (*AccessPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var policy AccessPolicy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, err
	}
	return &policy, nil
}

// CanSign reports whether the policy allows signing at all.
func (p *AccessPolicy) CanSign() bool {
	return p.AccessMode == ModeSign
}

// CanUseIdentity reports whether the policy allows the named identity.
func (p *AccessPolicy) CanUseIdentity(name string) bool {
	if matchesAny(name, p.IdentitiesDeny) {
		return false
	}
	if len(p.IdentitiesAllow) == 0 {
		return true
	}
	return matchesAny(name, p.IdentitiesAllow)
}

// CanAccessPath reports whether a document path may be read or written.
// Patterns match the absolute path or its directory.
func (p *AccessPolicy) CanAccessPath(path string) bool {
	if len(p.PathsAllow) == 0 {
		return true
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return matchesAny(abs, p.PathsAllow) || matchesAny(filepath.Dir(abs), p.PathsAllow)
}

// matchesAny returns true if name matches any of the glob patterns.
func matchesAny(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if matched, _ := filepath.Match(pattern, name); matched {
			return true
		}
	}
	return false
}
