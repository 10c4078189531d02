package schema

import (
	"fmt"
	"io"

	yaml "gopkg.in/yaml.v2"
)

type FieldConfig struct {
	Kind   string `yaml:"kind"`
	Target string `yaml:"target"`
}

type EntityTypeConfig struct {
	Name          string                 `yaml:"name"`
	IdentityField string                 `yaml:"identityField"`
	Fields        map[string]FieldConfig `yaml:"fields"`
}

type QueryConfig struct {
	Name     string      `yaml:"name"`
	Result   FieldConfig `yaml:"result"`
	Endpoint string      `yaml:"endpoint"`
}

type Config struct {
	EntityTypes []EntityTypeConfig `yaml:"entityTypes"`
	Queries     []QueryConfig      `yaml:"queries"`
}

func LoadConfiguration(data io.Reader) (*Config, error) {

	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	err = yaml.Unmarshal(buf, &cfg)

	return cfg, err
}

func (f FieldConfig) field() (Field, error) {
	switch Kind(f.Kind) {
	case KindScalar, KindRef, KindRefList:
		return Field{Kind: Kind(f.Kind), Target: f.Target}, nil
	case "":
		// fields declared without a kind default to scalar
		return Field{Kind: KindScalar}, nil
	default:
		return Field{}, fmt.Errorf("unknown field kind \"%s\"", f.Kind)
	}
}

// Apply registers all declared entity types and query descriptors with the
// supplied registry and validates the result. Configuration errors are fatal
// to startup and reported, never silently accepted.
func (cfg *Config) Apply(r *Registry) error {
	for _, tc := range cfg.EntityTypes {
		t := EntityType{
			Name:          tc.Name,
			IdentityField: tc.IdentityField,
			Fields:        map[string]Field{},
		}

		for name, fc := range tc.Fields {
			f, err := fc.field()
			if err != nil {
				return fmt.Errorf("entity type %s: field %s: %w", tc.Name, name, err)
			}
			t.Fields[name] = f
		}

		if err := r.Register(t); err != nil {
			return err
		}
	}

	for _, qc := range cfg.Queries {
		result, err := qc.Result.field()
		if err != nil {
			return fmt.Errorf("query %s: result: %w", qc.Name, err)
		}

		if err := r.RegisterQuery(QueryDescriptor{Name: qc.Name, Result: result}); err != nil {
			return err
		}
	}

	return r.Validate()
}
