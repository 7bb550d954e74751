package engine

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/dimflow/dimflow/core"
)

// DimensionSpec is the declarative, YAML-loadable form of one
// dimension. Transform functions are inherently code, not data, so a
// loaded spec never carries one — callers that need mid-run section
// rewriting attach DimensionDeclaration.Transform programmatically
// after loading, keyed by Name.
type DimensionSpec struct {
	Name      string   `yaml:"name"`
	Scope     string   `yaml:"scope"`
	DependsOn []string `yaml:"dependsOn,omitempty"`
}

// PluginSpec is a declarative bundle of dimensions and their edges,
// mirroring the shape of a hand-written Plugin.Dimensions() +
// DefineDependencies() pair.
type PluginSpec struct {
	Name       string          `yaml:"name"`
	Dimensions []DimensionSpec `yaml:"dimensions"`
}

// LoadDimensionsYAML parses data into a PluginSpec and converts it into
// a DimensionDeclaration slice plus a dependency map, ready to merge
// into a Plugin implementation's Dimensions()/DefineDependencies().
func LoadDimensionsYAML(data []byte) ([]core.DimensionDeclaration, map[string][]string, error) {
	var spec PluginSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, nil, core.NewEngineError("LoadDimensionsYAML", core.KindValidationError, err)
	}

	decls := make([]core.DimensionDeclaration, 0, len(spec.Dimensions))
	deps := make(map[string][]string, len(spec.Dimensions))
	seen := make(map[string]bool, len(spec.Dimensions))

	for _, d := range spec.Dimensions {
		if d.Name == "" {
			return nil, nil, core.NewEngineError("LoadDimensionsYAML", core.KindValidationError,
				fmt.Errorf("%w: dimension with empty name", core.ErrInvalidConfiguration))
		}
		if seen[d.Name] {
			return nil, nil, core.NewEngineError("LoadDimensionsYAML", core.KindValidationError,
				fmt.Errorf("%w: duplicate dimension name %q", core.ErrInvalidConfiguration, d.Name))
		}
		seen[d.Name] = true

		scope, err := parseScope(d.Scope)
		if err != nil {
			return nil, nil, core.NewDimensionError("LoadDimensionsYAML", core.KindValidationError, d.Name, err)
		}

		decls = append(decls, core.DimensionDeclaration{Name: d.Name, Scope: scope})
		if len(d.DependsOn) > 0 {
			deps[d.Name] = append([]string(nil), d.DependsOn...)
		}
	}

	return decls, deps, nil
}

func parseScope(s string) (core.Scope, error) {
	switch s {
	case "", "section":
		return core.ScopeSection, nil
	case "global":
		return core.ScopeGlobal, nil
	default:
		return core.Scope(0), fmt.Errorf("%w: unknown scope %q", core.ErrInvalidConfiguration, s)
	}
}
