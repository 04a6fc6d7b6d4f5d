/*
Package factory provides JSON to Go policy and catalog conversion.

PURPOSE:
  Converts JSON definitions into engine.EscalationPolicy and the catalog of
  contravention types and training courses. This enables policy
  configuration without code changes - compliance can define thresholds and
  point values in JSON, and the factory creates the proper Go structs.

JSON SCHEMA:
  {
    "escalation": {
      "tiers": [
        {"tier": "TIER_1", "min_points": 6,  "actions": ["TRAINING"]},
        {"tier": "TIER_2", "min_points": 10, "actions": ["TRAINING", "MANAGER_NOTICE"]},
        {"tier": "TIER_3", "min_points": 15, "actions": ["TRAINING", "FORMAL_WARNING", "DISCIPLINARY_REVIEW"]}
      ]
    },
    "contravention_types": [
      {"id": "no-po", "name": "No purchase order", "default_points": 3},
      {"id": "other", "name": "Other", "default_points": 2, "allows_custom_label": true}
    ],
    "training_courses": [
      {"id": "proc-101", "name": "Procurement basics", "point_credit": 2}
    ]
  }

KEY FEATURES:
  - Validates tier names, ascending thresholds and action names
  - Rejects duplicate type / course ids and negative point values
  - Loads a parsed catalog into any engine.CatalogStore

USAGE:
  f := factory.NewPolicyFactory()
  doc, err := f.Parse(jsonString)
  policy, err := f.Policy(doc)
  err = f.LoadCatalog(ctx, store, doc)

SEE ALSO:
  - engine/escalation.go: EscalationPolicy type definition
  - config/config.go: The same thresholds from YAML
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/warp/contravention-engine/engine"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// DocumentJSON is a complete policy document. Every section is optional.
type DocumentJSON struct {
	Escalation         *EscalationJSON         `json:"escalation,omitempty"`
	ContraventionTypes []ContraventionTypeJSON `json:"contravention_types,omitempty"`
	TrainingCourses    []TrainingCourseJSON    `json:"training_courses,omitempty"`
}

// EscalationJSON represents the tier ladder.
type EscalationJSON struct {
	Tiers []TierJSON `json:"tiers"`
}

// TierJSON represents one tier threshold.
type TierJSON struct {
	Tier      string   `json:"tier"` // TIER_1, TIER_2, TIER_3
	MinPoints int      `json:"min_points"`
	Actions   []string `json:"actions"`
}

// ContraventionTypeJSON represents a catalog entry.
type ContraventionTypeJSON struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	DefaultPoints     int    `json:"default_points"`
	AllowsCustomLabel bool   `json:"allows_custom_label,omitempty"`
}

// TrainingCourseJSON represents a remedial course.
type TrainingCourseJSON struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PointCredit int    `json:"point_credit"`
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts JSON documents to engine structs.
type PolicyFactory struct{}

// NewPolicyFactory creates a new policy factory.
func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// Parse parses a JSON string into a DocumentJSON.
func (f *PolicyFactory) Parse(jsonStr string) (*DocumentJSON, error) {
	var doc DocumentJSON
	if err := json.Unmarshal([]byte(jsonStr), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse policy JSON: %w", err)
	}
	return &doc, nil
}

// ParsePolicy parses a JSON string straight into an EscalationPolicy.
// A document without an escalation section yields the default policy.
func (f *PolicyFactory) ParsePolicy(jsonStr string) (engine.EscalationPolicy, error) {
	doc, err := f.Parse(jsonStr)
	if err != nil {
		return engine.EscalationPolicy{}, err
	}
	return f.Policy(doc)
}

// Policy builds and validates the escalation policy of doc.
func (f *PolicyFactory) Policy(doc *DocumentJSON) (engine.EscalationPolicy, error) {
	if doc.Escalation == nil || len(doc.Escalation.Tiers) == 0 {
		return engine.DefaultEscalationPolicy(), nil
	}
	return FromTiers(doc.Escalation.Tiers)
}

// FromTiers converts tier definitions into a validated policy.
func FromTiers(tiers []TierJSON) (engine.EscalationPolicy, error) {
	var policy engine.EscalationPolicy
	for i, tj := range tiers {
		tier, err := parseTier(tj.Tier)
		if err != nil {
			return engine.EscalationPolicy{}, fmt.Errorf("tier %d: %w", i, err)
		}
		level := engine.TierLevel{Tier: tier, MinPoints: tj.MinPoints}
		for _, a := range tj.Actions {
			action, err := parseAction(a)
			if err != nil {
				return engine.EscalationPolicy{}, fmt.Errorf("tier %s: %w", tj.Tier, err)
			}
			level.Actions = append(level.Actions, action)
		}
		policy.Levels = append(policy.Levels, level)
	}
	if err := policy.Validate(); err != nil {
		return engine.EscalationPolicy{}, err
	}
	return policy, nil
}

// ToJSON converts a policy back to its JSON form.
func (f *PolicyFactory) ToJSON(policy engine.EscalationPolicy) EscalationJSON {
	var ej EscalationJSON
	for _, l := range policy.Levels {
		tj := TierJSON{Tier: string(l.Tier), MinPoints: l.MinPoints}
		for _, a := range l.Actions {
			tj.Actions = append(tj.Actions, string(a))
		}
		ej.Tiers = append(ej.Tiers, tj)
	}
	return ej
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog is the converted contravention types and training courses.
type Catalog struct {
	Types   []engine.ContraventionType
	Courses []engine.TrainingCourse
}

// Catalog validates and converts the catalog sections of doc.
func (f *PolicyFactory) Catalog(doc *DocumentJSON) (*Catalog, error) {
	cat := &Catalog{}
	seen := make(map[string]bool)
	for _, tj := range doc.ContraventionTypes {
		if tj.ID == "" || tj.Name == "" {
			return nil, fmt.Errorf("contravention type requires id and name")
		}
		if seen[tj.ID] {
			return nil, fmt.Errorf("duplicate contravention type %q", tj.ID)
		}
		if tj.DefaultPoints < 0 {
			return nil, fmt.Errorf("contravention type %q: default_points must not be negative", tj.ID)
		}
		seen[tj.ID] = true
		cat.Types = append(cat.Types, engine.ContraventionType{
			ID:                tj.ID,
			Name:              tj.Name,
			DefaultPoints:     tj.DefaultPoints,
			AllowsCustomLabel: tj.AllowsCustomLabel,
		})
	}

	seen = make(map[string]bool)
	for _, cj := range doc.TrainingCourses {
		if cj.ID == "" || cj.Name == "" {
			return nil, fmt.Errorf("training course requires id and name")
		}
		if seen[cj.ID] {
			return nil, fmt.Errorf("duplicate training course %q", cj.ID)
		}
		if cj.PointCredit < 0 {
			return nil, fmt.Errorf("training course %q: point_credit must not be negative", cj.ID)
		}
		seen[cj.ID] = true
		cat.Courses = append(cat.Courses, engine.TrainingCourse{
			ID:          cj.ID,
			Name:        cj.Name,
			PointCredit: cj.PointCredit,
		})
	}
	return cat, nil
}

// LoadCatalog validates doc and upserts its catalog into store.
func (f *PolicyFactory) LoadCatalog(ctx context.Context, store engine.CatalogStore, doc *DocumentJSON) (*Catalog, error) {
	cat, err := f.Catalog(doc)
	if err != nil {
		return nil, err
	}
	for _, t := range cat.Types {
		if err := store.SaveContraventionType(ctx, t); err != nil {
			return nil, fmt.Errorf("failed to save contravention type %s: %w", t.ID, err)
		}
	}
	for _, c := range cat.Courses {
		if err := store.SaveTrainingCourse(ctx, c); err != nil {
			return nil, fmt.Errorf("failed to save training course %s: %w", c.ID, err)
		}
	}
	return cat, nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseTier(s string) (engine.Tier, error) {
	switch engine.Tier(s) {
	case engine.Tier1, engine.Tier2, engine.Tier3:
		return engine.Tier(s), nil
	default:
		return "", fmt.Errorf("unknown tier %q", s)
	}
}

func parseAction(s string) (engine.RemedialAction, error) {
	switch engine.RemedialAction(s) {
	case engine.ActionTraining, engine.ActionManagerNotice,
		engine.ActionFormalWarning, engine.ActionDisciplinaryReview:
		return engine.RemedialAction(s), nil
	default:
		return "", fmt.Errorf("unknown remedial action %q", s)
	}
}

// =============================================================================
// PRESETS
// =============================================================================

// DefaultCatalogJSON is the catalog loaded by the demo and `load-catalog`
// when no file is given.
const DefaultCatalogJSON = `{
  "contravention_types": [
    {"id": "no-po", "name": "Purchase without purchase order", "default_points": 3},
    {"id": "split-order", "name": "Split order to avoid threshold", "default_points": 5},
    {"id": "no-quotes", "name": "Insufficient quotations", "default_points": 2},
    {"id": "unapproved-vendor", "name": "Unapproved vendor", "default_points": 4},
    {"id": "other", "name": "Other", "default_points": 2, "allows_custom_label": true}
  ],
  "training_courses": [
    {"id": "proc-101", "name": "Procurement policy essentials", "point_credit": 2},
    {"id": "proc-201", "name": "Advanced sourcing compliance", "point_credit": 3}
  ]
}`
