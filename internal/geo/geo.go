// Package geo holds the watched region catalog and resolves alert
// geocodes (FIPS6 and UGC) to a configured region.
package geo

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Region is a watched jurisdiction addressable by its FIPS6 or UGC code.
type Region struct {
	Name  string `yaml:"name" json:"name"`
	State string `yaml:"state" json:"state"`
	FIPS  Code   `yaml:"fips" json:"fips"`
	UGC   Code   `yaml:"ugc" json:"ugc"`
}

// Code is a region code. It decodes from any YAML scalar using the literal
// text, so numeric FIPS codes keep their leading zeros.
type Code string

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *Code) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: region code must be a scalar", node.Line)
	}
	*c = Code(strings.TrimSpace(node.Value))
	return nil
}

// Catalog is the immutable set of watched regions indexed by code.
type Catalog struct {
	regions []Region
	byFIPS  map[string]int
	byUGC   map[string]int
}

// NewCatalog indexes regions. Every region needs a name and at least one
// code, and no code may be claimed by two regions.
func NewCatalog(regions []Region) (*Catalog, error) {
	c := &Catalog{
		regions: make([]Region, len(regions)),
		byFIPS:  make(map[string]int, len(regions)),
		byUGC:   make(map[string]int, len(regions)),
	}
	copy(c.regions, regions)

	var errs []error
	for i, r := range c.regions {
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("region %d: name is required", i))
		}
		if r.FIPS == "" && r.UGC == "" {
			errs = append(errs, fmt.Errorf("region %d (%s): fips or ugc is required", i, r.Name))
		}
		if r.FIPS != "" {
			if prev, dup := c.byFIPS[string(r.FIPS)]; dup {
				errs = append(errs, fmt.Errorf("region %d (%s): fips %s already used by %s", i, r.Name, r.FIPS, c.regions[prev].Name))
			} else {
				c.byFIPS[string(r.FIPS)] = i
			}
		}
		if r.UGC != "" {
			if prev, dup := c.byUGC[string(r.UGC)]; dup {
				errs = append(errs, fmt.Errorf("region %d (%s): ugc %s already used by %s", i, r.Name, r.UGC, c.regions[prev].Name))
			} else {
				c.byUGC[string(r.UGC)] = i
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

// ParseCatalog decodes a YAML (or JSON) list of regions.
func ParseCatalog(data []byte) (*Catalog, error) {
	var regions []Region
	if err := yaml.Unmarshal(data, &regions); err != nil {
		return nil, fmt.Errorf("decode regions: %w", err)
	}
	return NewCatalog(regions)
}

// LoadCatalog reads and parses the region file at path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read regions file: %w", err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Len returns the number of regions.
func (c *Catalog) Len() int { return len(c.regions) }

// Regions returns a copy of the configured regions in file order.
func (c *Catalog) Regions() []Region {
	out := make([]Region, len(c.regions))
	copy(out, c.regions)
	return out
}

// ByFIPS looks up a region by FIPS6 code.
func (c *Catalog) ByFIPS(code string) (Region, bool) {
	i, ok := c.byFIPS[code]
	if !ok {
		return Region{}, false
	}
	return c.regions[i], true
}

// ByUGC looks up a region by UGC code.
func (c *Catalog) ByUGC(code string) (Region, bool) {
	i, ok := c.byUGC[code]
	if !ok {
		return Region{}, false
	}
	return c.regions[i], true
}

// Match resolves an alert's codes to a region. UGC codes are scanned first
// and FIPS codes second, each in the order given; the last hit wins, so any
// FIPS hit overrides a UGC hit.
func (c *Catalog) Match(fips, ugc []string) (Region, bool) {
	var (
		found Region
		ok    bool
	)
	for _, code := range ugc {
		if r, hit := c.ByUGC(code); hit {
			found, ok = r, true
		}
	}
	for _, code := range fips {
		if r, hit := c.ByFIPS(code); hit {
			found, ok = r, true
		}
	}
	return found, ok
}
