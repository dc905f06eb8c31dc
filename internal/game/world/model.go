// Package world holds the catalog of locations players can occupy.
package world

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Location is one named place. Presence rooms are keyed by Location.ID.
type Location struct {
	ID          string
	Name        string
	Description string
	// Jail marks the location that holds jailed players.
	Jail bool
}

// Catalog is an immutable set of locations.
type Catalog struct {
	locations map[string]Location
	order     []string
	start     string
	jail      string
}

// Validate checks catalog invariants.
//
// Postcondition: Returns nil if ids are unique and non-empty, the start
// location exists, and exactly one location is the jail.
func (c *Catalog) Validate() error {
	var errs []string
	if len(c.locations) == 0 {
		errs = append(errs, "catalog must contain at least one location")
	}
	if _, ok := c.locations[c.start]; !ok {
		errs = append(errs, fmt.Sprintf("start location %q is not defined", c.start))
	}
	jails := 0
	for _, id := range c.order {
		if c.locations[id].Jail {
			jails++
		}
	}
	if jails != 1 {
		errs = append(errs, fmt.Sprintf("catalog must define exactly one jail location, got %d", jails))
	}
	if c.locations[c.start].Jail {
		errs = append(errs, "start location must not be the jail")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Get returns the location with id.
func (c *Catalog) Get(id string) (Location, bool) {
	l, ok := c.locations[id]
	return l, ok
}

// Has reports whether id is a known location.
func (c *Catalog) Has(id string) bool {
	_, ok := c.locations[id]
	return ok
}

// Start returns the id new players spawn in.
func (c *Catalog) Start() string { return c.start }

// Jail returns the id of the jail location.
func (c *Catalog) Jail() string { return c.jail }

// All returns every location in declaration order.
func (c *Catalog) All() []Location {
	out := make([]Location, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.locations[id])
	}
	return out
}

// IDs returns every location id in declaration order.
func (c *Catalog) IDs() []string {
	return slices.Clone(c.order)
}
