package profile

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"

	"github.com/user/flowterm/internal/session"
)

var profileIDPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// ErrNotFound is returned by Lookup for an unknown profile id.
var ErrNotFound = errors.New("profile: not found")

// Registry holds the session profiles loaded from a directory of YAML files.
type Registry struct {
	dir      string
	profiles map[string]*Profile
	mu       sync.RWMutex
}

func NewRegistry(dir string) (*Registry, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("profiles dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create profiles dir: %w", err)
	}
	if err := ensureDefaults(dir); err != nil {
		return nil, err
	}

	r := &Registry{
		dir:      dir,
		profiles: make(map[string]*Profile),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) Dir() string { return r.dir }

// Get returns a copy of the profile, or nil.
func (r *Registry) Get(id string) *Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[id]
	if !ok {
		return nil
	}
	return clone(p)
}

// Lookup is Get with an error for unknown ids.
func (r *Registry) Lookup(id string) (*Profile, error) {
	if p := r.Get(id); p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
}

func (r *Registry) List() []*Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		result = append(result, clone(p))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name == result[j].Name {
			return result[i].ID < result[j].ID
		}
		return result[i].Name < result[j].Name
	})
	return result
}

// Reload replaces the in-memory set with the directory contents. On error
// the previous set stays in place.
func (r *Registry) Reload() error {
	loaded, err := loadDir(r.dir)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.profiles = loaded
	r.mu.Unlock()
	return nil
}

func (r *Registry) Save(p *Profile) error {
	if p == nil {
		return errors.New("profile is required")
	}
	clean := clone(p)
	if err := validate(clean); err != nil {
		return err
	}

	data, err := yaml.Marshal(clean)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	path := filepath.Join(r.dir, clean.ID+".yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write profile %q: %w", path, err)
	}

	r.mu.Lock()
	r.profiles[clean.ID] = clean
	r.mu.Unlock()
	return nil
}

func (r *Registry) Delete(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	path := filepath.Join(r.dir, id+".yaml")
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete profile %q: %w", path, err)
	}

	r.mu.Lock()
	delete(r.profiles, id)
	r.mu.Unlock()
	return nil
}

// Params builds the session parameters for p. The command line is split
// with shell quoting rules; the profile's directory is exposed to programs
// as Config["dir"].
func (p *Profile) Params() (session.Params, error) {
	params := session.Params{
		Profile: p.ID,
		Config:  make(map[string]string, len(p.Config)+1),
	}
	maps.Copy(params.Config, p.Config)
	if p.Dir != "" {
		params.Config["dir"] = expandHome(p.Dir)
	}
	if p.Kind == KindProgram {
		argv, err := shellquote.Split(p.Command)
		if err != nil {
			return session.Params{}, fmt.Errorf("profile %q: parse command: %w", p.ID, err)
		}
		params.Argv = argv
	}
	return params, nil
}

func loadDir(dir string) (map[string]*Profile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read profiles dir: %w", err)
	}

	loaded := make(map[string]*Profile)
	for _, entry := range entries {
		if entry.IsDir() || !isProfileFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		p, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		if _, exists := loaded[p.ID]; exists {
			return nil, fmt.Errorf("duplicate profile id %q", p.ID)
		}
		loaded[p.ID] = p
	}
	return loaded, nil
}

func loadFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %q: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}
	if err := validate(&p); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &p, nil
}

func validate(p *Profile) error {
	if p == nil {
		return errors.New("profile is required")
	}
	if err := validateID(p.ID); err != nil {
		return err
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("name is required")
	}
	switch p.Kind {
	case "":
		p.Kind = KindProgram
		fallthrough
	case KindProgram:
		if strings.TrimSpace(p.Command) == "" {
			return errors.New("command is required for program profiles")
		}
		if _, err := shellquote.Split(p.Command); err != nil {
			return fmt.Errorf("command: %w", err)
		}
	case KindQueue:
	default:
		return fmt.Errorf("unknown kind %q", p.Kind)
	}
	if p.Rows < 0 || p.Cols < 0 {
		return errors.New("rows and cols must not be negative")
	}
	return nil
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id is required")
	}
	if !profileIDPattern.MatchString(id) {
		return errors.New("id must be lowercase alphanumeric with hyphens")
	}
	return nil
}

func isProfileFile(name string) bool {
	name = strings.ToLower(name)
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

func expandHome(dir string) string {
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return dir
	}
	return filepath.Join(home, strings.TrimPrefix(dir, "~"))
}

func clone(p *Profile) *Profile {
	if p == nil {
		return nil
	}
	out := *p
	out.Env = append([]string(nil), p.Env...)
	out.Config = maps.Clone(p.Config)
	return &out
}
