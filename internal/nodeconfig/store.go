// Package nodeconfig supplies default configuration for newly created nodes.
package nodeconfig

import (
	_ "embed"
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/weft/pkg/api"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Store maps (category, componentType) to a default config. It is immutable
// after construction and safe for concurrent use.
type Store struct {
	byCategory map[api.Category]map[api.ComponentType]map[string]any
}

// New returns the built-in catalog.
func New() *Store {
	s, err := parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("nodeconfig: embedded catalog is invalid: %v", err))
	}
	return s
}

// Load parses a catalog in the same YAML layout as the embedded one.
// Unknown categories are rejected so both sides keep the same closed set.
func Load(r io.Reader) (*Store, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return parse(data)
}

func parse(data []byte) (*Store, error) {
	var raw map[string]map[string]map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	known := make(map[api.Category]struct{}, len(api.Categories))
	for _, c := range api.Categories {
		known[c] = struct{}{}
	}

	s := &Store{byCategory: make(map[api.Category]map[api.ComponentType]map[string]any, len(raw))}
	for cat, types := range raw {
		category := api.Category(cat)
		if _, ok := known[category]; !ok {
			return nil, fmt.Errorf("unknown category %q", cat)
		}
		byType := make(map[api.ComponentType]map[string]any, len(types))
		for typ, cfg := range types {
			if cfg == nil {
				cfg = map[string]any{}
			}
			byType[api.ComponentType(typ)] = cfg
		}
		s.byCategory[category] = byType
	}
	return s, nil
}

// Defaults returns a fresh copy of the default config for the pair. The
// caller owns the returned map.
func (s *Store) Defaults(category api.Category, componentType api.ComponentType) (map[string]any, error) {
	types, ok := s.byCategory[category]
	if !ok {
		return nil, fmt.Errorf("%w: category %q", api.ErrUnknownComponent, category)
	}
	cfg, ok := types[componentType]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", api.ErrUnknownComponent, category, componentType)
	}
	return api.CloneConfig(cfg), nil
}

// Known reports whether the pair is part of the catalog.
func (s *Store) Known(category api.Category, componentType api.ComponentType) bool {
	_, ok := s.byCategory[category][componentType]
	return ok
}

// Types lists the component types of a category in sorted order.
func (s *Store) Types(category api.Category) []api.ComponentType {
	types := s.byCategory[category]
	out := make([]api.ComponentType, 0, len(types))
	for t := range types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CategoryOf finds the category that owns componentType.
func (s *Store) CategoryOf(componentType api.ComponentType) (api.Category, bool) {
	for cat, types := range s.byCategory {
		if _, ok := types[componentType]; ok {
			return cat, true
		}
	}
	return "", false
}
