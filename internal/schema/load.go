package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// document mirrors the on-disk schema-metadata format: one entry per CRM
// object plus the junction adjacency map used by junction inference (spec
// §4.9 step 2), loaded the same way internal/registry loads its service
// document.
type document struct {
	Objects []struct {
		Name   string `yaml:"name"`
		Fields []struct {
			Name        string `yaml:"name"`
			Type        string `yaml:"type"`
			Description string `yaml:"description"`
			NeedValue   bool     `yaml:"needvalue"`
			Default     string   `yaml:"default"`
			Picklist    []string `yaml:"picklistvalues"`
		} `yaml:"fields"`
	} `yaml:"objects"`
	Adjacency map[string][]string `yaml:"adjacency"`
}

// Loaded holds everything needed to construct a Builder for one CRM-shaped
// schema document.
type Loaded struct {
	Objects   map[string]ObjectMeta
	Adjacency map[string][]string
}

// LoadFile reads and parses a schema-metadata document from path.
func LoadFile(path string) (*Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("schema: parse yaml: %w", err)
	}
	objects := make(map[string]ObjectMeta, len(doc.Objects))
	for _, o := range doc.Objects {
		meta := ObjectMeta{Name: o.Name}
		for _, f := range o.Fields {
			meta.Fields = append(meta.Fields, FieldMeta{
				Name:           f.Name,
				Type:           f.Type,
				Description:    f.Description,
				NeedValue:      f.NeedValue,
				Default:        f.Default,
				PicklistValues: f.Picklist,
			})
		}
		objects[o.Name] = meta
	}
	return &Loaded{Objects: objects, Adjacency: doc.Adjacency}, nil
}

// BuildIndexes constructs the object-name index and one field index per
// object from a Loaded document, ready to hand to NewBuilder.
func (l *Loaded) BuildIndexes(embedder Embedder) (*VectorIndex, map[string]*VectorIndex, error) {
	names := make([]string, 0, len(l.Objects))
	for name := range l.Objects {
		names = append(names, name)
	}
	objectIndex, err := Build(embedder, names)
	if err != nil {
		return nil, nil, fmt.Errorf("schema: build object index: %w", err)
	}
	fieldIndexes := make(map[string]*VectorIndex, len(l.Objects))
	for name, meta := range l.Objects {
		fieldNames := make([]string, 0, len(meta.Fields))
		for _, f := range meta.Fields {
			fieldNames = append(fieldNames, f.Name)
		}
		idx, err := Build(embedder, fieldNames)
		if err != nil {
			return nil, nil, fmt.Errorf("schema: build field index for %s: %w", name, err)
		}
		fieldIndexes[name] = idx
	}
	return objectIndex, fieldIndexes, nil
}
