package translation

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

const testSchema = `
name: oru-test
hl7Type: ORU^R01
hl7Version: 2.5.1
constants:
  sendingApp: LabRelay
elements:
  - name: sending-app
    value: ["%sendingApp"]
    hl7Spec: ["MSH-3"]
  - name: patient-family
    resource: "Bundle.entry.resource.Patient"
    value: ["name.family"]
    hl7Spec: ["PID-5-1"]
    required: true
  - name: patient-given
    resource: "Bundle.entry.resource.Patient"
    value: ["name.given.first()"]
    hl7Spec: ["PID-5-2"]
  - name: result-status
    resource: "Bundle.entry.resource.Observation"
    condition: "status = 'final'"
    value: ["status.upper()"]
    hl7Spec: ["OBX(1)-11"]
  - name: fallback-value
    value: ["missingField", "'DEFAULT'"]
    hl7Spec: ["MSH-11"]
`

func testConverter(strict bool) *Converter {
	return NewConverter(strict, zerolog.Nop())
}

func TestConvert(t *testing.T) {
	schema, err := FromYAML([]byte(testSchema))
	if err != nil {
		t.Fatal(err)
	}
	bundle := loadBundle(t)

	msg, err := testConverter(true).Convert(bundle, schema)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		path, want string
	}{
		{"MSH-9", "ORU^R01"},
		{"MSH-12", "2.5.1"},
		{"MSH-3", "LabRelay"},
		{"PID-5-1", "Doe"},
		{"PID-5-2", "Jane"},
		{"OBX-11", "FINAL"},
		{"MSH-11", "DEFAULT"},
	}
	for _, tc := range cases {
		got, err := msg.Get(tc.path)
		if err != nil {
			t.Fatalf("%s: %v", tc.path, err)
		}
		if got != tc.want {
			t.Errorf("%s = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestConvertDeterministic(t *testing.T) {
	schema, err := FromYAML([]byte(testSchema))
	if err != nil {
		t.Fatal(err)
	}
	conv := testConverter(true)

	first, err := conv.Convert(loadBundle(t), schema)
	if err != nil {
		t.Fatal(err)
	}
	second, err := conv.Convert(loadBundle(t), schema)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first.Encode(), second.Encode()) {
		t.Error("identical bundle and schema must produce byte-identical output")
	}
}

func TestConvertRequiredWithoutFocus(t *testing.T) {
	schema, err := FromYAML([]byte(`
name: requires-specimen
hl7Type: ORU^R01
hl7Version: 2.5.1
elements:
  - name: specimen-type
    resource: "Bundle.entry.resource.Specimen"
    value: ["type.coding.code"]
    hl7Spec: ["SPM-4"]
    required: true
`))
	if err != nil {
		t.Fatal(err)
	}

	_, err = testConverter(true).Convert(loadBundle(t), schema)
	var reqErr *RequiredElementError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequiredElementError, got %v", err)
	}
	if reqErr.Element != "specimen-type" {
		t.Errorf("failing element = %q", reqErr.Element)
	}
}

func TestConvertOptionalFalseCondition(t *testing.T) {
	schema, err := FromYAML([]byte(`
name: optional-gate
hl7Type: ORU^R01
hl7Version: 2.5.1
elements:
  - name: preliminary-only
    resource: "Bundle.entry.resource.Observation"
    condition: "status = 'preliminary'"
    value: ["status"]
    hl7Spec: ["OBX(1)-11"]
`))
	if err != nil {
		t.Fatal(err)
	}

	msg, err := testConverter(true).Convert(loadBundle(t), schema)
	if err != nil {
		t.Fatalf("optional element with false condition must not error: %v", err)
	}
	if seg := msg.GetSegment("OBX"); seg != nil {
		t.Error("false condition must produce no assignment")
	}
}

func TestConvertRequiredBlankValue(t *testing.T) {
	schema, err := FromYAML([]byte(`
name: blank-required
hl7Type: ORU^R01
hl7Version: 2.5.1
elements:
  - name: must-have
    value: ["missingField"]
    hl7Spec: ["MSH-10"]
    required: true
`))
	if err != nil {
		t.Fatal(err)
	}

	_, err = testConverter(false).Convert(loadBundle(t), schema)
	var reqErr *RequiredElementError
	if !errors.As(err, &reqErr) {
		t.Fatalf("blank required value must fail even in lenient mode, got %v", err)
	}
}

func TestConvertStrictVsLenientAssignment(t *testing.T) {
	schema, err := FromYAML([]byte(`
name: bad-target
hl7Type: ORU^R01
hl7Version: 2.5.1
elements:
  - name: unwritable
    value: ["'x'"]
    hl7Spec: ["NOTASEGMENT"]
`))
	if err != nil {
		t.Fatal(err)
	}
	bundle := loadBundle(t)

	if _, err := testConverter(true).Convert(bundle, schema); !IsConversionError(err) {
		t.Errorf("strict mode must surface the assignment failure, got %v", err)
	}
	if _, err := testConverter(false).Convert(bundle, schema); err != nil {
		t.Errorf("lenient mode must drop the value, got %v", err)
	}
}

func TestSchemaValidation(t *testing.T) {
	bad := []string{
		// unnamed element
		"name: s\nhl7Type: X\nhl7Version: 1\nelements:\n  - value: [\"'a'\"]\n    hl7Spec: [\"MSH-4\"]\n",
		// values without targets
		"name: s\nhl7Type: X\nhl7Version: 1\nelements:\n  - name: e\n    value: [\"'a'\"]\n",
		// indexName without nested schema
		"name: s\nhl7Type: X\nhl7Version: 1\nelements:\n  - name: e\n    indexName: idx\n",
	}
	for i, src := range bad {
		if _, err := FromYAML([]byte(src)); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestSchemaLoaderComposition(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		if err := os.WriteFile(filepath.Join(dir, name+".yml"), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("parent", `
hl7Type: ORU^R01
hl7Version: 2.5.1
elements:
  - name: per-observation
    resource: "Bundle.entry.resource.Observation"
    schema: obx-fragment
    indexName: obxIndex
`)
	write("obx-fragment", `
elements:
  - name: status
    value: ["%resource.status"]
    hl7Spec: ["OBX(1)-11"]
`)

	schema, err := NewSchemaLoader(dir).Load("parent")
	if err != nil {
		t.Fatal(err)
	}
	if schema.Elements[0].Nested() == nil {
		t.Fatal("expected nested schema to be resolved")
	}

	msg, err := testConverter(true).Convert(loadBundle(t), schema)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := msg.Get("OBX-11")
	if got != "final" {
		t.Errorf("OBX-11 = %q, want final", got)
	}
}

func TestSchemaLoaderCycle(t *testing.T) {
	dir := t.TempDir()
	a := "elements:\n  - name: go-b\n    schema: b\n"
	b := "elements:\n  - name: go-a\n    schema: a\n"
	os.WriteFile(filepath.Join(dir, "a.yml"), []byte(a), 0o644)
	os.WriteFile(filepath.Join(dir, "b.yml"), []byte(b), 0o644)

	_, err := NewSchemaLoader(dir).Load("a")
	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("expected cycle to be rejected, got %v", err)
	}
}
