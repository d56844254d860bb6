// Package schema is the read-only registry of catalog category definitions.
// A Registry is built once at startup and never mutated afterwards, so it is
// safe for concurrent use without locking.
package schema

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/snapetech/xcdiscovery/internal/catalog"
)

//go:embed schema.yaml
var defaultSchema []byte

// DefaultIDSuffix is used when the definition does not set id_suffix.
const DefaultIDSuffix = "_id"

// Field is one declared field of a category.
type Field struct {
	Name            string `yaml:"name" json:"name"`
	Canonical       bool   `yaml:"canonical,omitempty" json:"canonical,omitempty"`
	CanBeIdentifier bool   `yaml:"canbeidentifier,omitempty" json:"canbeidentifier,omitempty"`
	CanBeID         bool   `yaml:"canbeid,omitempty" json:"canbeid,omitempty"`
	Update          bool   `yaml:"update,omitempty" json:"update,omitempty"`
	Match           bool   `yaml:"match,omitempty" json:"match,omitempty"`
	Parent          string `yaml:"parent,omitempty" json:"parent,omitempty"`
	InsertOnly      bool   `yaml:"insert_only,omitempty" json:"insert_only,omitempty"`
	Raw             bool   `yaml:"raw,omitempty" json:"raw,omitempty"`
}

// Category is a category definition as it appears in the schema source.
type Category struct {
	Name    string   `yaml:"name" json:"name"`
	Fields  []Field  `yaml:"fields" json:"fields"`
	Actions []string `yaml:"actions,omitempty" json:"actions,omitempty"`
}

// Definition is the whole schema source. JSON sources decode through the same
// YAML decoder.
type Definition struct {
	IDSuffix   string     `yaml:"id_suffix,omitempty" json:"id_suffix,omitempty"`
	Categories []Category `yaml:"object_categories" json:"object_categories"`
}

type compiled struct {
	def        Category
	stored     map[string]struct{}
	idField    string
	identifier []string
	idSources  []string
	allowList  map[string]struct{}
	match      []string
	parents    map[string]string
	insertOnly map[string]struct{}
}

// Registry answers schema questions for the ingestion pipeline.
type Registry struct {
	idSuffix   string
	order      []string
	categories map[string]*compiled
	actions    map[string]string
}

// Default returns the registry built from the embedded schema.yaml.
func Default() (*Registry, error) {
	return Load(defaultSchema)
}

// LoadFile reads a YAML or JSON schema definition from path.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	return Load(data)
}

// Load parses and checks a schema definition.
func Load(data []byte) (*Registry, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &catalog.SchemaError{Msg: "parse definition: " + err.Error()}
	}
	return New(def)
}

// New checks def and builds a Registry from it.
func New(def Definition) (*Registry, error) {
	r := &Registry{
		idSuffix:   def.IDSuffix,
		categories: make(map[string]*compiled, len(def.Categories)),
		actions:    make(map[string]string),
	}
	if r.idSuffix == "" {
		r.idSuffix = DefaultIDSuffix
	}
	if len(def.Categories) == 0 {
		return nil, &catalog.SchemaError{Msg: "no categories defined"}
	}
	for _, cat := range def.Categories {
		name := strings.TrimSpace(cat.Name)
		if name == "" {
			return nil, &catalog.SchemaError{Msg: "category without name"}
		}
		if _, dup := r.categories[name]; dup {
			return nil, &catalog.SchemaError{Category: name, Msg: "duplicate category"}
		}
		c, err := compile(cat, r.idSuffix)
		if err != nil {
			return nil, err
		}
		r.categories[name] = c
		r.order = append(r.order, name)
		for _, a := range cat.Actions {
			if _, dup := r.actions[a]; !dup {
				r.actions[a] = name
			}
		}
	}
	for _, name := range r.order {
		for field, parent := range r.categories[name].parents {
			if _, ok := r.categories[parent]; !ok {
				return nil, &catalog.SchemaError{Category: name, Field: field, Msg: "parent references unknown category " + parent}
			}
		}
	}
	return r, nil
}

func compile(cat Category, idSuffix string) (*compiled, error) {
	c := &compiled{
		def:        cat,
		stored:     make(map[string]struct{}),
		parents:    make(map[string]string),
		insertOnly: make(map[string]struct{}),
	}
	seen := make(map[string]struct{}, len(cat.Fields))
	var firstSuffix string
	for _, f := range cat.Fields {
		if f.Name == "" {
			return nil, &catalog.SchemaError{Category: cat.Name, Msg: "field without name"}
		}
		if _, dup := seen[f.Name]; dup {
			return nil, &catalog.SchemaError{Category: cat.Name, Field: f.Name, Msg: "duplicate field"}
		}
		seen[f.Name] = struct{}{}
		if f.CanBeIdentifier {
			c.identifier = append(c.identifier, f.Name)
		}
		if f.CanBeID {
			c.idSources = append(c.idSources, f.Name)
		}
		if f.Raw {
			if f.Canonical || f.Match || f.Parent != "" || f.Update {
				return nil, &catalog.SchemaError{Category: cat.Name, Field: f.Name, Msg: "raw field cannot be canonical, match, parent or update"}
			}
			continue
		}
		c.stored[f.Name] = struct{}{}
		if f.Canonical && c.idField == "" {
			c.idField = f.Name
		}
		if firstSuffix == "" && strings.HasSuffix(f.Name, idSuffix) {
			firstSuffix = f.Name
		}
		if f.Update {
			if c.allowList == nil {
				c.allowList = make(map[string]struct{})
			}
			c.allowList[f.Name] = struct{}{}
		}
		if f.Match {
			c.match = append(c.match, f.Name)
		}
		if f.Parent != "" {
			c.parents[f.Name] = f.Parent
		}
		if f.InsertOnly {
			c.insertOnly[f.Name] = struct{}{}
		}
	}
	if c.idField == "" {
		c.idField = firstSuffix
	}
	return c, nil
}

func (r *Registry) lookup(category string) (*compiled, error) {
	c, ok := r.categories[category]
	if !ok {
		return nil, &catalog.SchemaError{Category: category, Msg: "unknown category"}
	}
	return c, nil
}

// Categories returns category names in declaration order.
func (r *Registry) Categories() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Category returns the source definition of category.
func (r *Registry) Category(category string) (Category, error) {
	c, err := r.lookup(category)
	if err != nil {
		return Category{}, err
	}
	return c.def, nil
}

// FieldNames returns the stored field set of category.
func (r *Registry) FieldNames(category string) (map[string]struct{}, error) {
	c, err := r.lookup(category)
	if err != nil {
		return nil, err
	}
	return copySet(c.stored), nil
}

// HasField reports whether field is declared (stored or raw) for category.
func (r *Registry) HasField(category, field string) (bool, error) {
	c, err := r.lookup(category)
	if err != nil {
		return false, err
	}
	for _, f := range c.def.Fields {
		if f.Name == field {
			return true, nil
		}
	}
	return false, nil
}

// CanonicalIDField returns the first canonical field, else the first stored
// field ending in the id suffix.
func (r *Registry) CanonicalIDField(category string) (string, error) {
	c, err := r.lookup(category)
	if err != nil {
		return "", err
	}
	if c.idField == "" {
		return "", &catalog.SchemaError{Category: category, Msg: "no canonical or " + r.idSuffix + " field"}
	}
	return c.idField, nil
}

// IdentifierFields returns the fields flagged canbeidentifier.
func (r *Registry) IdentifierFields(category string) ([]string, error) {
	c, err := r.lookup(category)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), c.identifier...), nil
}

// IDSourceFields returns the fields flagged canbeid in declared order.
func (r *Registry) IDSourceFields(category string) ([]string, error) {
	c, err := r.lookup(category)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), c.idSources...), nil
}

// UpdateAllowList returns the merge-update allow-list; ok is false when the
// category declares none.
func (r *Registry) UpdateAllowList(category string) (fields map[string]struct{}, ok bool, err error) {
	c, err := r.lookup(category)
	if err != nil {
		return nil, false, err
	}
	if c.allowList == nil {
		return nil, false, nil
	}
	return copySet(c.allowList), true, nil
}

// MatchFields returns the fields compared by id equality when deduplicating.
func (r *Registry) MatchFields(category string) ([]string, error) {
	c, err := r.lookup(category)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), c.match...), nil
}

// ParentFields maps each parent-reference field to the category it references.
func (r *Registry) ParentFields(category string) (map[string]string, error) {
	c, err := r.lookup(category)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(c.parents))
	for k, v := range c.parents {
		out[k] = v
	}
	return out, nil
}

// InsertOnlyFields returns fields whose stored value survives a merge.
func (r *Registry) InsertOnlyFields(category string) (map[string]struct{}, error) {
	c, err := r.lookup(category)
	if err != nil {
		return nil, err
	}
	return copySet(c.insertOnly), nil
}

// CategoryForAction maps an upstream API action to a category.
func (r *Registry) CategoryForAction(action string) (string, bool) {
	c, ok := r.actions[action]
	return c, ok
}

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
