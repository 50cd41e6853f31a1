// Package translation converts clinical-data bundles to HL7 messages
// through declarative, composable mapping schemas.
package translation

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/labrelay/labrelay/internal/platform/hl7v2"
)

// Converter runs schema-driven bundle-to-HL7 conversion. Strict mode turns
// assignment failures into errors; lenient mode logs and drops the value.
// A Converter is safe for concurrent use.
type Converter struct {
	strict bool
	log    zerolog.Logger
}

func NewConverter(strict bool, log zerolog.Logger) *Converter {
	return &Converter{strict: strict, log: log.With().Str("component", "translator").Logger()}
}

// Convert maps a bundle to an HL7 message per the schema. Given identical
// bundle and schema the output is byte-identical across invocations.
func (c *Converter) Convert(bundle map[string]interface{}, schema *ConfigSchema) (*hl7v2.Message, error) {
	if schema.HL7Type == "" || schema.HL7Version == "" {
		return nil, newSchemaError("schema %s does not declare hl7Type/hl7Version", schema.Name)
	}
	msg := hl7v2.NewMessage(schema.HL7Type, schema.HL7Version)
	scope := Scope{Bundle: bundle, Focus: bundle, Constants: map[string]string{}}
	if err := c.processSchema(msg, schema, scope); err != nil {
		return nil, err
	}
	return msg, nil
}

// ConvertJSON is Convert for a raw JSON-encoded bundle.
func (c *Converter) ConvertJSON(raw []byte, schema *ConfigSchema) (*hl7v2.Message, error) {
	var bundle map[string]interface{}
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return c.Convert(bundle, schema)
}

func (c *Converter) processSchema(msg *hl7v2.Message, schema *ConfigSchema, scope Scope) error {
	scope.Constants = mergeConstants(scope.Constants, schema.Constants)
	for _, el := range schema.Elements {
		if err := c.processElement(msg, schema, el, scope); err != nil {
			return err
		}
	}
	return nil
}

func (c *Converter) processElement(msg *hl7v2.Message, schema *ConfigSchema, el *ConfigSchemaElement, scope Scope) error {
	scope.Constants = mergeConstants(scope.Constants, el.Constants)

	focuses, err := c.focusResources(el, scope)
	if err != nil {
		return err
	}
	if len(focuses) == 0 {
		if el.Required {
			return &RequiredElementError{Schema: schema.Name, Element: el.Name, Reason: "no focus resource resolved"}
		}
		return nil
	}

	for i, focus := range focuses {
		elScope := scope
		elScope.Focus = focus

		if el.condition != nil {
			ok, err := el.condition.EvaluateBool(elScope)
			if err != nil {
				return newSchemaError("element %s.%s condition: %v", schema.Name, el.Name, err)
			}
			if !ok {
				if el.Required {
					return &RequiredElementError{Schema: schema.Name, Element: el.Name, Reason: "condition is false"}
				}
				continue
			}
		}

		if el.nested != nil {
			childScope := elScope
			if el.IndexName != "" {
				childScope.Constants = mergeConstants(elScope.Constants,
					map[string]string{el.IndexName: strconv.Itoa(i)})
			}
			if err := c.processSchema(msg, el.nested, childScope); err != nil {
				return err
			}
			continue
		}

		if err := c.assignValue(msg, schema, el, elScope); err != nil {
			return err
		}
	}
	return nil
}

// focusResources resolves the element's selector against the current focus,
// or keeps the current focus when the element declares none.
func (c *Converter) focusResources(el *ConfigSchemaElement, scope Scope) ([]map[string]interface{}, error) {
	if el.resource == nil {
		if scope.Focus == nil {
			return nil, nil
		}
		return []map[string]interface{}{scope.Focus}, nil
	}
	resources, err := el.resource.EvaluateResources(scope)
	if err != nil {
		return nil, newSchemaError("resource selector %q: %v", el.Resource, err)
	}
	return resources, nil
}

// assignValue takes the first non-blank candidate in declared order and
// writes it to every target path.
func (c *Converter) assignValue(msg *hl7v2.Message, schema *ConfigSchema, el *ConfigSchemaElement, scope Scope) error {
	value := ""
	for _, expr := range el.values {
		v, err := expr.EvaluateString(scope)
		if err != nil {
			return newSchemaError("element %s.%s value %q: %v", schema.Name, el.Name, expr.String(), err)
		}
		if v != "" {
			value = v
			break
		}
	}
	if value == "" {
		if el.Required {
			return &RequiredElementError{Schema: schema.Name, Element: el.Name, Reason: "all value candidates are blank"}
		}
		return nil
	}

	for _, template := range el.HL7Spec {
		path, err := substituteConstants(template, scope.Constants)
		if err != nil {
			return newSchemaError("element %s.%s: %v", schema.Name, el.Name, err)
		}
		if err := msg.Set(path, value); err != nil {
			convErr := &ConversionError{Element: schema.Name + "." + el.Name, Target: path, Err: err}
			if c.strict {
				return convErr
			}
			c.log.Warn().Str("element", el.Name).Str("target", path).Err(err).
				Msg("dropping value for unwritable target field")
		}
	}
	return nil
}
