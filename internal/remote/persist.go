package remote

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// remotesFile is the on-disk shape persisted as YAML (spec.md leaves the
// remote registry's own persistence format open, unlike the JSON-mandated
// config.json/meta.json; SPEC_FULL.md pins it to YAML to give
// gopkg.in/yaml.v3 a home beyond the teacher's unused declared dependency).
type remotesFile struct {
	Remotes []Remote `yaml:"remotes"`
}

// SaveTo persists the registry's current remotes to path as YAML.
func (r *Registry) SaveTo(path string) error {
	r.mu.RLock()
	out := remotesFile{Remotes: make([]Remote, 0, len(r.remotes))}
	for _, rem := range r.remotes {
		out.Remotes = append(out.Remotes, *rem)
	}
	r.mu.RUnlock()

	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal remotes: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create remotes directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write remotes file: %w", err)
	}
	return nil
}

// LoadFrom populates the registry from a previously persisted YAML file. A
// missing file is not an error — it means no remotes have ever registered.
func LoadFrom(path string) (*Registry, error) {
	reg := NewRegistry()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, fmt.Errorf("read remotes file: %w", err)
	}

	var rf remotesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse remotes file: %w", err)
	}
	for _, rem := range rf.Remotes {
		reg.remotes[rem.ID] = &Remote{
			ID: rem.ID, DisplayName: rem.DisplayName, URL: rem.URL,
			BearerToken: rem.BearerToken, LastSeen: rem.LastSeen, SessionIDs: rem.SessionIDs,
		}
	}
	return reg, nil
}
