package world

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed data/locations.yaml
var defaultCatalog []byte

// yamlCatalogFile is the top-level YAML structure for location files.
type yamlCatalogFile struct {
	World yamlWorld `yaml:"world"`
}

// yamlWorld is the YAML representation of a catalog.
type yamlWorld struct {
	Start     string         `yaml:"start"`
	Locations []yamlLocation `yaml:"locations"`
}

// yamlLocation is the YAML representation of a location.
type yamlLocation struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Jail        bool   `yaml:"jail"`
}

// Default returns the built-in catalog.
//
// Postcondition: Returns a validated Catalog; panics only if the embedded file is invalid.
func Default() *Catalog {
	c, err := LoadFromBytes(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded location catalog is invalid: %v", err))
	}
	return c
}

// Load returns the catalog at path, or the built-in catalog when path is empty.
//
// Postcondition: Returns a validated Catalog or a non-nil error.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading location file %s: %w", path, err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses and validates a catalog from YAML bytes.
//
// Precondition: data must be valid YAML conforming to the catalog schema.
// Postcondition: Returns a validated Catalog or a non-nil error.
func LoadFromBytes(data []byte) (*Catalog, error) {
	var file yamlCatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing location YAML: %w", err)
	}

	c := &Catalog{
		locations: make(map[string]Location, len(file.World.Locations)),
		start:     file.World.Start,
	}
	for _, yl := range file.World.Locations {
		if yl.ID == "" {
			return nil, fmt.Errorf("location with name %q has no id", yl.Name)
		}
		if _, dup := c.locations[yl.ID]; dup {
			return nil, fmt.Errorf("duplicate location id %q", yl.ID)
		}
		name := yl.Name
		if name == "" {
			name = yl.ID
		}
		c.locations[yl.ID] = Location{ID: yl.ID, Name: name, Description: yl.Description, Jail: yl.Jail}
		c.order = append(c.order, yl.ID)
		if yl.Jail {
			c.jail = yl.ID
		}
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validating catalog: %w", err)
	}
	return c, nil
}
