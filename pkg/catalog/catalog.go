package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/rolegate/pkg/rbac"
)

//go:embed default.yaml
var defaultCatalog []byte

// CurrentVersion is the only document version this package understands
const CurrentVersion = 1

// Document is a declarative set of permissions and roles
type Document struct {
	Version     int              `yaml:"version" validate:"eq=1"`
	Permissions []PermissionSpec `yaml:"permissions" validate:"dive"`
	Roles       []RoleSpec       `yaml:"roles" validate:"dive"`
}

// PermissionSpec declares one permission
type PermissionSpec struct {
	Name        string        `yaml:"name" validate:"required"`
	Codename    string        `yaml:"codename" validate:"required"`
	Category    rbac.Category `yaml:"category"`
	Description string        `yaml:"description"`
}

// RoleSpec declares one role. Parent is the slug of another role in the same document
// or one that already exists in the target graph.
type RoleSpec struct {
	Name        string        `yaml:"name" validate:"required"`
	Slug        string        `yaml:"slug" validate:"required"`
	Description string        `yaml:"description"`
	Type        rbac.RoleType `yaml:"type"`
	Level       int           `yaml:"level" validate:"min=0,max=90"`
	Parent      string        `yaml:"parent"`
	Default     bool          `yaml:"default"`
	MaxUsers    *int          `yaml:"max_users" validate:"omitempty,min=1"`
	Permissions []string      `yaml:"permissions"`
}

var validate = validator.New()

// Default returns the built-in catalog
func Default() (*Document, error) {
	return Parse(defaultCatalog)
}

// Load reads and parses a catalog file
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return doc, nil
}

// Parse decodes a YAML catalog, checks it for internal consistency and orders roles so
// that every parent precedes its children
func Parse(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("catalog is empty")
		}
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if doc.Version == 0 {
		doc.Version = CurrentVersion
	}

	if err := validate.Struct(&doc); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	if err := doc.check(); err != nil {
		return nil, err
	}

	ordered, err := orderRoles(doc.Roles)
	if err != nil {
		return nil, err
	}
	doc.Roles = ordered
	return &doc, nil
}

func (d *Document) check() error {
	names := make(map[string]bool, len(d.Permissions))
	codenames := make(map[string]bool, len(d.Permissions))
	for _, p := range d.Permissions {
		if names[p.Name] {
			return fmt.Errorf("duplicate permission %q", p.Name)
		}
		if codenames[p.Codename] {
			return fmt.Errorf("duplicate permission codename %q", p.Codename)
		}
		if p.Category != "" && !p.Category.Valid() {
			return fmt.Errorf("permission %q: unknown category %q", p.Name, p.Category)
		}
		names[p.Name] = true
		codenames[p.Codename] = true
	}

	slugs := make(map[string]bool, len(d.Roles))
	roleNames := make(map[string]bool, len(d.Roles))
	defaults := make(map[int]string)
	for _, r := range d.Roles {
		if slugs[r.Slug] {
			return fmt.Errorf("duplicate role slug %q", r.Slug)
		}
		if roleNames[r.Name] {
			return fmt.Errorf("duplicate role name %q", r.Name)
		}
		if r.Type != "" && !r.Type.Valid() {
			return fmt.Errorf("role %q: unknown type %q", r.Slug, r.Type)
		}
		if r.Default {
			if other, ok := defaults[r.Level]; ok {
				return fmt.Errorf("roles %q and %q are both default at level %d", other, r.Slug, r.Level)
			}
			defaults[r.Level] = r.Slug
		}
		if r.Parent == r.Slug {
			return fmt.Errorf("role %q inherits from itself", r.Slug)
		}
		slugs[r.Slug] = true
		roleNames[r.Name] = true
	}
	return nil
}

// orderRoles sorts roles so parents declared in the document come first. Parents not in
// the document are left for Apply to resolve against the graph.
func orderRoles(roles []RoleSpec) ([]RoleSpec, error) {
	bySlug := make(map[string]RoleSpec, len(roles))
	for _, r := range roles {
		bySlug[r.Slug] = r
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(roles))
	ordered := make([]RoleSpec, 0, len(roles))

	var visit func(slug string, path []string) error
	visit = func(slug string, path []string) error {
		switch state[slug] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("roles form an inheritance cycle: %s", strings.Join(append(path, slug), " -> "))
		}
		state[slug] = visiting
		r := bySlug[slug]
		if _, ok := bySlug[r.Parent]; ok {
			if err := visit(r.Parent, append(path, slug)); err != nil {
				return err
			}
		}
		state[slug] = done
		ordered = append(ordered, r)
		return nil
	}

	for _, r := range roles {
		if err := visit(r.Slug, nil); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

// Role returns the role spec with the given slug
func (d *Document) Role(slug string) (RoleSpec, bool) {
	for _, r := range d.Roles {
		if r.Slug == slug {
			return r, true
		}
	}
	return RoleSpec{}, false
}
