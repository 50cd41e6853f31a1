package translation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigSchema is a declarative mapping from a clinical-data bundle to a
// target HL7 message. Schemas are loaded once at startup and shared read-only
// across all translation invocations.
type ConfigSchema struct {
	Name       string                 `yaml:"name"`
	HL7Type    string                 `yaml:"hl7Type"`    // MSH-9, e.g. "ORU^R01"
	HL7Version string                 `yaml:"hl7Version"` // MSH-12, e.g. "2.5.1"
	Constants  map[string]string      `yaml:"constants"`
	Elements   []*ConfigSchemaElement `yaml:"elements"`
}

// ConfigSchemaElement maps one piece of bundle data to one or more target
// fields, or recurses into a nested schema for each selected focus resource.
type ConfigSchemaElement struct {
	Name      string            `yaml:"name"`
	SchemaRef string            `yaml:"schema"`    // nested schema by name
	Resource  string            `yaml:"resource"`  // focus-resource selector
	Condition string            `yaml:"condition"` // gate, evaluated per focus
	Value     []string          `yaml:"value"`     // candidates, first non-blank wins
	HL7Spec   []string          `yaml:"hl7Spec"`   // target paths, %{name} substituted
	Required  bool              `yaml:"required"`
	Constants map[string]string `yaml:"constants"`

	// IndexName, when set on an element with a nested schema, exposes the
	// 0-based repetition index to the child as a constant under that name.
	IndexName string `yaml:"indexName"`

	nested    *ConfigSchema
	resource  *Expression
	condition *Expression
	values    []*Expression
}

// Nested returns the resolved child schema, nil when the element is a leaf.
func (e *ConfigSchemaElement) Nested() *ConfigSchema { return e.nested }

// SchemaLoader reads schemas from a directory of YAML files, resolving
// nested schema references by file name.
type SchemaLoader struct {
	dir    string
	loaded map[string]*ConfigSchema
}

func NewSchemaLoader(dir string) *SchemaLoader {
	return &SchemaLoader{dir: dir, loaded: make(map[string]*ConfigSchema)}
}

// Load reads, resolves, and compiles the named schema. Results are cached,
// so repeated loads of a shared fragment return the same instance.
func (l *SchemaLoader) Load(name string) (*ConfigSchema, error) {
	return l.load(name, nil)
}

func (l *SchemaLoader) load(name string, stack []string) (*ConfigSchema, error) {
	for _, seen := range stack {
		if seen == name {
			return nil, newSchemaError("schema reference cycle: %s", strings.Join(append(stack, name), " -> "))
		}
	}
	if s, ok := l.loaded[name]; ok {
		return s, nil
	}

	raw, err := os.ReadFile(filepath.Join(l.dir, name+".yml"))
	if err != nil {
		return nil, newSchemaError("read schema %s: %v", name, err)
	}

	var schema ConfigSchema
	if err := yaml.Unmarshal(raw, &schema); err != nil {
		return nil, newSchemaError("parse schema %s: %v", name, err)
	}
	if schema.Name == "" {
		schema.Name = name
	}

	if err := l.resolve(&schema, append(stack, name)); err != nil {
		return nil, err
	}
	l.loaded[name] = &schema
	return &schema, nil
}

func (l *SchemaLoader) resolve(schema *ConfigSchema, stack []string) error {
	for _, el := range schema.Elements {
		if err := el.validate(schema.Name); err != nil {
			return err
		}
		if el.SchemaRef != "" {
			nested, err := l.load(el.SchemaRef, stack)
			if err != nil {
				return err
			}
			el.nested = nested
		}
		if err := el.compile(schema.Name); err != nil {
			return err
		}
	}
	return nil
}

func (e *ConfigSchemaElement) validate(schemaName string) error {
	if e.Name == "" {
		return newSchemaError("schema %s has an unnamed element", schemaName)
	}
	if e.SchemaRef != "" && (len(e.Value) > 0 || len(e.HL7Spec) > 0) {
		return newSchemaError("element %s.%s mixes a nested schema with value/hl7Spec", schemaName, e.Name)
	}
	if e.SchemaRef == "" && len(e.Value) > 0 && len(e.HL7Spec) == 0 {
		return newSchemaError("element %s.%s has values but no target fields", schemaName, e.Name)
	}
	if e.IndexName != "" && e.SchemaRef == "" {
		return newSchemaError("element %s.%s sets indexName without a nested schema", schemaName, e.Name)
	}
	return nil
}

func (e *ConfigSchemaElement) compile(schemaName string) error {
	var err error
	if e.Resource != "" {
		if e.resource, err = Compile(e.Resource); err != nil {
			return newSchemaError("element %s.%s resource: %v", schemaName, e.Name, err)
		}
	}
	if e.Condition != "" {
		if e.condition, err = Compile(e.Condition); err != nil {
			return newSchemaError("element %s.%s condition: %v", schemaName, e.Name, err)
		}
	}
	e.values = e.values[:0]
	for _, src := range e.Value {
		expr, err := Compile(src)
		if err != nil {
			return newSchemaError("element %s.%s value: %v", schemaName, e.Name, err)
		}
		e.values = append(e.values, expr)
	}
	return nil
}

// FromYAML builds a schema directly from YAML bytes without a loader. Nested
// schema references are not available on this path; it exists for inline
// schemas and tests.
func FromYAML(raw []byte) (*ConfigSchema, error) {
	var schema ConfigSchema
	if err := yaml.Unmarshal(raw, &schema); err != nil {
		return nil, newSchemaError("parse schema: %v", err)
	}
	for _, el := range schema.Elements {
		if err := el.validate(schema.Name); err != nil {
			return nil, err
		}
		if el.SchemaRef != "" {
			return nil, newSchemaError("element %s.%s: schema references need a loader", schema.Name, el.Name)
		}
		if err := el.compile(schema.Name); err != nil {
			return nil, err
		}
	}
	return &schema, nil
}

// substituteConstants replaces %{name} placeholders in a target-path template
// from the active constants. Unknown names are an error so typos surface at
// translation time rather than as silently wrong field paths.
func substituteConstants(template string, constants map[string]string) (string, error) {
	if !strings.Contains(template, "%{") {
		return template, nil
	}
	var sb strings.Builder
	rest := template
	for {
		open := strings.Index(rest, "%{")
		if open < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		sb.WriteString(rest[:open])
		rest = rest[open+2:]
		end := strings.IndexByte(rest, '}')
		if end < 0 {
			return "", newSchemaError("unterminated placeholder in %q", template)
		}
		name := rest[:end]
		v, ok := constants[name]
		if !ok {
			return "", fmt.Errorf("undefined constant %%{%s} in %q", name, template)
		}
		sb.WriteString(v)
		rest = rest[end+1:]
	}
}

// mergeConstants layers child constants over a parent scope without mutating
// either. The child wins on collision.
func mergeConstants(parent, child map[string]string) map[string]string {
	if len(child) == 0 {
		return parent
	}
	merged := make(map[string]string, len(parent)+len(child))
	for k, v := range parent {
		merged[k] = v
	}
	for k, v := range child {
		merged[k] = v
	}
	return merged
}
