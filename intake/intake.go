// Package intake parses and validates the project intake document that
// seeds a run. Intake is YAML (JSON parses as a YAML subset); validation
// enumerates recognized sections and enum values and reports structured
// errors. The canonical digest of the document pins the run to its input.
package intake

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/swarmrun/ident"
)

// ProjectType selects the phase-graph profile.
type ProjectType string

// Recognized project types.
const (
	TypeAnalytics    ProjectType = "analytics"
	TypeML           ProjectType = "ml"
	TypeWebapp       ProjectType = "webapp"
	TypeOptimization ProjectType = "optimization"
)

// IsValid returns true for a known project type.
func (t ProjectType) IsValid() bool {
	switch t {
	case TypeAnalytics, TypeML, TypeWebapp, TypeOptimization:
		return true
	}
	return false
}

// Environment is the deployment target declared by the intake.
type Environment string

// Recognized environments.
const (
	EnvDev        Environment = "dev"
	EnvStaging    Environment = "staging"
	EnvProduction Environment = "production"
)

// IsValid returns true for a known environment. Empty is valid (unset).
func (e Environment) IsValid() bool {
	switch e {
	case "", EnvDev, EnvStaging, EnvProduction:
		return true
	}
	return false
}

// Compliance names a regulatory regime the project must satisfy.
type Compliance string

// Recognized compliance regimes.
const (
	ComplianceGDPR  Compliance = "gdpr"
	ComplianceHIPAA Compliance = "hipaa"
	ComplianceSOC2  Compliance = "soc2"
)

// IsValid returns true for a known compliance regime.
func (c Compliance) IsValid() bool {
	switch c {
	case ComplianceGDPR, ComplianceHIPAA, ComplianceSOC2:
		return true
	}
	return false
}

// IntakeError reports a structural defect in the intake document.
type IntakeError struct {
	Section string `json:"section"`
	Field   string `json:"field,omitempty"`
	Reason  string `json:"reason"`
}

func (e *IntakeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("intake %s.%s: %s", e.Section, e.Field, e.Reason)
	}
	return fmt.Sprintf("intake %s: %s", e.Section, e.Reason)
}

// DataSection describes the project's data inputs.
type DataSection struct {
	// Sources lists data source references; URLs are fetched for agent
	// context enrichment.
	Sources []string `yaml:"sources,omitempty" json:"sources,omitempty"`

	// SchemaHints carries free-form schema guidance.
	SchemaHints map[string]any `yaml:"schema_hints,omitempty" json:"schema_hints,omitempty"`
}

// PerformanceSLAs holds recognized service-level targets.
type PerformanceSLAs struct {
	LatencyP95Ms int `yaml:"latency_p95_ms,omitempty" json:"latency_p95_ms,omitempty"`
}

// Document is the parsed, validated intake.
type Document struct {
	ProjectName      string           `yaml:"project_name" json:"project_name"`
	ProjectType      ProjectType      `yaml:"project_type,omitempty" json:"project_type,omitempty"`
	Description      string           `yaml:"description,omitempty" json:"description,omitempty"`
	Requirements     []string         `yaml:"requirements,omitempty" json:"requirements,omitempty"`
	Environment      Environment      `yaml:"environment,omitempty" json:"environment,omitempty"`
	Constraints      map[string]any   `yaml:"constraints,omitempty" json:"constraints,omitempty"`
	Data             *DataSection     `yaml:"data,omitempty" json:"data,omitempty"`
	Compliance       []Compliance     `yaml:"compliance,omitempty" json:"compliance,omitempty"`
	PerformanceSLAs  *PerformanceSLAs `yaml:"performance_slas,omitempty" json:"performance_slas,omitempty"`
	BrandConstraints map[string]any   `yaml:"brand_constraints,omitempty" json:"brand_constraints,omitempty"`
}

// recognizedSections enumerates valid top-level keys.
var recognizedSections = map[string]bool{
	"project_name":      true,
	"project_type":      true,
	"description":       true,
	"requirements":      true,
	"environment":       true,
	"constraints":       true,
	"data":              true,
	"compliance":        true,
	"performance_slas":  true,
	"brand_constraints": true,
}

// Load parses and validates an intake document.
func Load(data []byte) (*Document, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &IntakeError{Section: "document", Reason: fmt.Sprintf("parse: %v", err)}
	}
	for key := range raw {
		if !recognizedSections[key] {
			return nil, &IntakeError{Section: key, Reason: "unrecognized section"}
		}
	}
	if slas, ok := raw["performance_slas"].(map[string]any); ok {
		if v, ok := slas["latency_p95_ms"]; ok {
			if _, isInt := v.(int); !isInt {
				return nil, &IntakeError{
					Section: "performance_slas",
					Field:   "latency_p95_ms",
					Reason:  fmt.Sprintf("expected integer, got %T", v),
				}
			}
		}
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &IntakeError{Section: "document", Reason: fmt.Sprintf("decode: %v", err)}
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// LoadFile reads and parses an intake file.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read intake: %w", err)
	}
	return Load(data)
}

// Validate checks required fields and enum values.
func (d *Document) Validate() error {
	if strings.TrimSpace(d.ProjectName) == "" {
		return &IntakeError{Section: "project_name", Reason: "required"}
	}
	if d.ProjectType != "" && !d.ProjectType.IsValid() {
		return &IntakeError{
			Section: "project_type",
			Reason:  fmt.Sprintf("unknown value %q", d.ProjectType),
		}
	}
	if !d.Environment.IsValid() {
		return &IntakeError{
			Section: "environment",
			Reason:  fmt.Sprintf("unknown value %q", d.Environment),
		}
	}
	for _, c := range d.Compliance {
		if !c.IsValid() {
			return &IntakeError{
				Section: "compliance",
				Reason:  fmt.Sprintf("unknown value %q", c),
			}
		}
	}
	if d.PerformanceSLAs != nil && d.PerformanceSLAs.LatencyP95Ms < 0 {
		return &IntakeError{
			Section: "performance_slas",
			Field:   "latency_p95_ms",
			Reason:  "must not be negative",
		}
	}
	return nil
}

// Digest returns the canonical content digest of the document.
func (d *Document) Digest() (string, error) {
	return ident.CanonicalDigest(d)
}

var databaseMarkers = []string{"database", "sql", "schema", "postgres", "mysql", "warehouse"}

var performanceMarkers = []string{"performance", "latency", "throughput", "qps", "scalability"}

// HasDataMarkers reports whether the intake references database work: a
// populated data section or database keywords in the description or
// requirements.
func (d *Document) HasDataMarkers() bool {
	if d.Data != nil && (len(d.Data.Sources) > 0 || len(d.Data.SchemaHints) > 0) {
		return true
	}
	return d.mentionsAny(databaseMarkers)
}

// WantsPerformance reports whether a performance specialist is warranted:
// a latency SLA, a production target, or performance keywords.
func (d *Document) WantsPerformance() bool {
	if d.PerformanceSLAs != nil && d.PerformanceSLAs.LatencyP95Ms > 0 {
		return true
	}
	if d.Environment == EnvProduction {
		return true
	}
	return d.mentionsAny(performanceMarkers)
}

// WantsSecurity reports whether intake-side signals warrant a security
// audit: any recognized compliance regime or a production target. Policy
// may additionally require one.
func (d *Document) WantsSecurity() bool {
	if len(d.Compliance) > 0 {
		return true
	}
	return d.Environment == EnvProduction
}

// SourceURLs returns the http(s) entries of data.sources.
func (d *Document) SourceURLs() []string {
	if d.Data == nil {
		return nil
	}
	var urls []string
	for _, s := range d.Data.Sources {
		if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
			urls = append(urls, s)
		}
	}
	return urls
}

func (d *Document) mentionsAny(markers []string) bool {
	texts := append([]string{d.Description}, d.Requirements...)
	for _, text := range texts {
		lower := strings.ToLower(text)
		for _, m := range markers {
			if strings.Contains(lower, m) {
				return true
			}
		}
	}
	return false
}
