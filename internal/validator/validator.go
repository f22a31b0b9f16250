// Package validator runs JSON-schema and domain-level rule checks against a
// generated pipeline document and classifies findings by severity.
package validator

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/rat-data/agentd/internal/domain"
)

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

// Issue codes that are always hard errors, regardless of what the schema
// itself marks as required.
const (
	CodeRequired   = "required"
	CodeType       = "type"
	CodeEnum       = "enum"
	CodeDuplicateID = "duplicate_id"
)

// Validator evaluates a pipeline document against a compiled JSON schema
// plus the domain rule set (duplicate stage names).
type Validator struct{}

// New constructs a Validator. It carries no state; schemas are compiled
// per-call since SchemaDefinition content changes over the process lifetime.
func New() *Validator {
	return &Validator{}
}

// Compile parses and compiles a Draft7-equivalent JSON schema document.
func Compile(schemaJSON []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	const resourceURL = "mem://schema.json"
	if err := c.AddResource(resourceURL, bytesReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("validator: add schema resource: %w", err)
	}
	schema, err := c.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("validator: compile schema: %w", err)
	}
	return schema, nil
}

// Validate runs schema validation and domain rules against doc, returning
// issues ordered by path then severity. runID is stamped onto each issue.
func (v *Validator) Validate(runID uuid.UUID, schema *jsonschema.Schema, doc interface{}) []domain.ValidationIssue {
	var issues []domain.ValidationIssue

	if err := schema.Validate(doc); err != nil {
		issues = append(issues, schemaIssues(runID, err)...)
	}
	issues = append(issues, duplicateStageIssues(runID, doc)...)

	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Path != issues[j].Path {
			return issues[i].Path < issues[j].Path
		}
		return severityRank(issues[i].Severity) > severityRank(issues[j].Severity)
	})
	return issues
}

// HasBlockingErrors reports whether any issue is severity "error" — the
// hard-validate stage fails the run on these, warnings do not.
func HasBlockingErrors(issues []domain.ValidationIssue) bool {
	for _, i := range issues {
		if i.Severity == domain.SeverityError {
			return true
		}
	}
	return false
}

func severityRank(s domain.IssueSeverity) int {
	switch s {
	case domain.SeverityError:
		return 2
	case domain.SeverityWarning:
		return 1
	default:
		return 0
	}
}

func schemaIssues(runID uuid.UUID, err error) []domain.ValidationIssue {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []domain.ValidationIssue{{
			ID:       uuid.New(),
			RunID:    runID,
			Path:     "",
			Code:     "schema",
			Severity: domain.SeverityError,
			Message:  err.Error(),
		}}
	}
	var out []domain.ValidationIssue
	flattenValidationError(runID, ve, &out)
	return out
}

// missingPropertyPattern matches the single-quoted property names in the
// required validator's "missing properties: 'a', 'b'" message.
var missingPropertyPattern = regexp.MustCompile(`'([^']+)'`)

func flattenValidationError(runID uuid.UUID, ve *jsonschema.ValidationError, out *[]domain.ValidationIssue) {
	for _, cause := range ve.Causes {
		flattenValidationError(runID, cause, out)
	}
	if len(ve.Causes) != 0 {
		return
	}

	code := classifyKeyword(ve.KeywordLocation)
	if code == CodeRequired {
		missing := missingPropertyPattern.FindAllStringSubmatch(ve.Message, -1)
		if len(missing) > 0 {
			for _, m := range missing {
				*out = append(*out, domain.ValidationIssue{
					ID:       uuid.New(),
					RunID:    runID,
					Path:     joinPointer(ve.InstanceLocation, m[1]),
					Code:     CodeRequired,
					Severity: domain.SeverityError,
					Message:  ve.Message,
				})
			}
			return
		}
	}

	*out = append(*out, domain.ValidationIssue{
		ID:       uuid.New(),
		RunID:    runID,
		Path:     instancePath(ve.InstanceLocation),
		Code:     code,
		Severity: domain.SeverityError,
		Message:  ve.Message,
	})
}

// classifyKeyword maps a KeywordLocation (a "/"-joined schema path ending in
// the failing keyword, e.g. "/properties/stages/items/required") to an
// issue code.
func classifyKeyword(keywordLocation string) string {
	switch lastSegment(keywordLocation) {
	case "required":
		return CodeRequired
	case "type":
		return CodeType
	case "enum":
		return CodeEnum
	default:
		return "schema"
	}
}

func lastSegment(keywordLocation string) string {
	parts := strings.Split(keywordLocation, "/")
	return parts[len(parts)-1]
}

// instancePath normalizes a v5 InstanceLocation (which is "" at the
// document root) to a JSON pointer, defaulting to "/" for the root.
func instancePath(instanceLocation string) string {
	if instanceLocation == "" {
		return "/"
	}
	return instanceLocation
}

// joinPointer appends a missing property name to the instance location it
// was required under, so a required-property issue names the property
// itself rather than just its containing object.
func joinPointer(instanceLocation, property string) string {
	return instanceLocation + "/" + property
}

// duplicateStageIssues enforces the domain rule that stage names within a
// pipeline's "stages" array must be unique.
func duplicateStageIssues(runID uuid.UUID, doc interface{}) []domain.ValidationIssue {
	m, ok := doc.(map[string]interface{})
	if !ok {
		return nil
	}
	stages, ok := m["stages"].([]interface{})
	if !ok {
		return nil
	}
	seen := make(map[string]int)
	var out []domain.ValidationIssue
	for i, s := range stages {
		stage, ok := s.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := stage["name"].(string)
		if name == "" {
			continue
		}
		if firstIdx, dup := seen[name]; dup {
			out = append(out, domain.ValidationIssue{
				ID:       uuid.New(),
				RunID:    runID,
				Path:     fmt.Sprintf("/stages/%d/name", i),
				Code:     CodeDuplicateID,
				Severity: domain.SeverityError,
				Message:  fmt.Sprintf("duplicate stage name %q (first seen at /stages/%d/name)", name, firstIdx),
			})
		} else {
			seen[name] = i
		}
	}
	return out
}
