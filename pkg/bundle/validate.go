package bundle

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/gowebpki/jcs"
	"github.com/kaptinlin/jsonschema"
)

// Level selects how thoroughly a bundle is checked.
type Level string

const (
	// ValidateBasic checks required sections and the id format.
	ValidateBasic Level = "basic"
	// ValidateQuick adds schema type checks. It never checks the hash.
	ValidateQuick Level = "quick"
	// ValidateStrict adds the integrity hash check.
	ValidateStrict Level = "strict"
)

// ParseLevel parses a validation level. Empty means strict.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case "":
		return ValidateStrict, nil
	case ValidateBasic, ValidateQuick, ValidateStrict:
		return Level(s), nil
	}
	return "", fmt.Errorf("unknown validation level %q", s)
}

// Violation names the check a bundle failed.
type Violation string

const (
	ViolationNone      Violation = ""
	ViolationDecode    Violation = "decode"
	ViolationStructure Violation = "structure"
	ViolationIDFormat  Violation = "id_format"
	ViolationSchema    Violation = "schema"
	ViolationIntegrity Violation = "integrity"
)

// ValidationReport is the result of checking one bundle.
type ValidationReport struct {
	ID        string    `json:"id"`
	Level     Level     `json:"level"`
	Valid     bool      `json:"valid"`
	Violation Violation `json:"violation,omitempty"`
	Details   []string  `json:"details,omitempty"`
}

func (r ValidationReport) Error() string {
	if r.Valid {
		return ""
	}
	if len(r.Details) == 0 {
		return string(r.Violation) + " check failed"
	}
	return fmt.Sprintf("%s check failed: %s", r.Violation, r.Details[0])
}

//go:embed schema/bundle.schema.json
var schemaJSON []byte

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func bundleSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiledSchema, schemaErr = compiler.Compile(schemaJSON)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile bundle schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// sections splits a document into its top-level sections.
func sections(doc []byte) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("document is not an object")
	}
	return raw, nil
}

// integrityHash is the SHA-256 of the canonical JSON of the hashed sections.
func integrityHash(raw map[string]json.RawMessage) (string, error) {
	covered := make(map[string]json.RawMessage, len(hashedSections))
	for _, name := range hashedSections {
		section, ok := raw[name]
		if !ok {
			return "", fmt.Errorf("missing section %s", name)
		}
		covered[name] = section
	}
	encoded, err := json.Marshal(covered)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(encoded)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// check validates a decoded bundle document. expectedID, when set, must match
// bundle_metadata.id.
func check(doc []byte, level Level, expectedID string) (*Bundle, ValidationReport) {
	report := ValidationReport{ID: expectedID, Level: level}
	fail := func(v Violation, details ...string) (*Bundle, ValidationReport) {
		report.Violation = v
		report.Details = details
		return nil, report
	}

	raw, err := sections(doc)
	if err != nil {
		return fail(ViolationStructure, err.Error())
	}

	var missing []string
	for _, name := range requiredSections {
		if _, ok := raw[name]; !ok {
			missing = append(missing, "missing section "+name)
		}
	}
	if len(missing) > 0 {
		return fail(ViolationStructure, missing...)
	}

	var meta struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(raw[SectionMetadata], &meta); err != nil {
		return fail(ViolationStructure, "bundle_metadata: "+err.Error())
	}
	id, _ := meta.ID.(string)
	if !ValidID(id) {
		return fail(ViolationIDFormat, fmt.Sprintf("malformed id %v", meta.ID))
	}
	if expectedID != "" && id != expectedID {
		return fail(ViolationIDFormat, fmt.Sprintf("id %s does not match stored name %s", id, expectedID))
	}
	report.ID = id

	if level != ValidateBasic {
		schema, err := bundleSchema()
		if err != nil {
			return fail(ViolationSchema, err.Error())
		}
		if result := schema.ValidateJSON(doc); !result.IsValid() {
			details := make([]string, 0, len(result.Errors))
			for path, e := range result.Errors {
				details = append(details, fmt.Sprintf("%v: %v", path, e))
			}
			sort.Strings(details)
			return fail(ViolationSchema, details...)
		}
	}

	var b Bundle
	if err := json.Unmarshal(doc, &b); err != nil {
		return fail(ViolationSchema, err.Error())
	}

	if level == ValidateStrict {
		want, err := integrityHash(raw)
		if err != nil {
			return fail(ViolationIntegrity, err.Error())
		}
		if b.Recovery.IntegrityHash != want {
			return fail(ViolationIntegrity,
				fmt.Sprintf("integrity hash mismatch: recorded %q, computed %q", b.Recovery.IntegrityHash, want))
		}
	}

	report.Valid = true
	return &b, report
}

// seal marshals b with a freshly computed integrity hash.
func seal(b *Bundle) ([]byte, error) {
	b.Recovery.IntegrityHash = ""
	doc, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}
	raw, err := sections(doc)
	if err != nil {
		return nil, err
	}
	hash, err := integrityHash(raw)
	if err != nil {
		return nil, err
	}
	b.Recovery.IntegrityHash = hash
	out, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}
	return out, nil
}
