package settings

import (
	_ "embed"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Catalog is the set of known setting definitions.
type Catalog struct {
	defs  map[string]Definition
	order []string
}

// LoadCatalog parses a YAML catalog from r.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("settings: read catalog: %w", err)
	}
	return LoadCatalogBytes(data)
}

// LoadCatalogBytes parses an in-memory YAML catalog. Definitions must have
// unique keys and valid types, choice definitions must list allowed values,
// and defaults must pass their own validation.
func LoadCatalogBytes(data []byte) (*Catalog, error) {
	var doc struct {
		Definitions []Definition `yaml:"definitions"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("settings: parse catalog: %w", err)
	}
	c := &Catalog{defs: make(map[string]Definition, len(doc.Definitions))}
	for _, def := range doc.Definitions {
		if def.Key == "" {
			return nil, fmt.Errorf("settings: catalog definition missing key")
		}
		if _, dup := c.defs[def.Key]; dup {
			return nil, fmt.Errorf("settings: duplicate catalog key %q", def.Key)
		}
		switch def.Type {
		case TypeString, TypeInt, TypeBool, TypeDurationSeconds, TypeTimeOfDay:
		case TypeChoice:
			if len(def.AllowedValues) == 0 {
				return nil, fmt.Errorf("settings: choice key %q has no allowed values", def.Key)
			}
		default:
			return nil, fmt.Errorf("settings: key %q has unknown type %q", def.Key, def.Type)
		}
		if def.Default != "" {
			if _, err := Validate(def, def.Default); err != nil {
				return nil, fmt.Errorf("settings: key %q default rejected: %w", def.Key, err)
			}
		}
		c.defs[def.Key] = def
		c.order = append(c.order, def.Key)
	}
	return c, nil
}

// MustDefaultCatalog returns the embedded catalog and panics if it does not
// parse. The embedded file ships with the binary, so a failure here is a
// build defect rather than bad runtime input.
func MustDefaultCatalog() *Catalog {
	c, err := LoadCatalogBytes(catalogYAML)
	if err != nil {
		panic(err)
	}
	return c
}

// Definition returns the definition for a key.
func (c *Catalog) Definition(key string) (Definition, bool) {
	def, ok := c.defs[key]
	return def, ok
}

// Definitions returns all definitions in catalog order.
func (c *Catalog) Definitions() []Definition {
	out := make([]Definition, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.defs[key])
	}
	return out
}

// Len returns the number of definitions.
func (c *Catalog) Len() int { return len(c.defs) }
