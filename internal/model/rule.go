package model

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hanrei/internal/fault"
)

// ConditionField is the document attribute a rule condition inspects.
type ConditionField string

const (
	FieldText         ConditionField = "text"
	FieldFilename     ConditionField = "metadata.filename"
	FieldTags         ConditionField = "metadata.tags"
	FieldDocumentType ConditionField = "document_type"
)

// ConditionOperator is the comparison a rule condition applies.
type ConditionOperator string

const (
	OpContains    ConditionOperator = "contains"
	OpRegexMatch  ConditionOperator = "regex_match"
	OpWordCountGT ConditionOperator = "word_count_gt"
	OpWordCountLT ConditionOperator = "word_count_lt"
)

// ConditionLogic joins a rule's conditions.
type ConditionLogic string

const (
	LogicAnd ConditionLogic = "AND"
	LogicOr  ConditionLogic = "OR"
)

// Condition is a single deterministic test against a document.
// Value holds a string for contains/regex_match and a number (JSON float)
// for the word-count operators.
type Condition struct {
	Field         ConditionField    `json:"field"`
	Operator      ConditionOperator `json:"operator"`
	Value         any               `json:"value"`
	CaseSensitive bool              `json:"case_sensitive"`
}

// Rule encodes a legally or policy-mandated severity override. Higher priority
// wins; ties resolve to the most restrictive severity.
type Rule struct {
	ID               uuid.UUID      `json:"rule_id"`
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	Conditions       []Condition    `json:"conditions"`
	ConditionLogic   ConditionLogic `json:"condition_logic"`
	SeverityOverride Severity       `json:"severity_override"`
	Priority         int            `json:"priority"`
	Active           bool           `json:"active"`
	CreatedBy        string         `json:"created_by,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// RuleVersion is an immutable snapshot appended on every rule mutation.
type RuleVersion struct {
	ID                uuid.UUID `json:"id"`
	RuleID            uuid.UUID `json:"rule_id"`
	Version           int       `json:"version"`
	Snapshot          Rule      `json:"snapshot"`
	Author            string    `json:"author"`
	ChangeDescription string    `json:"change_description"`
	CreatedAt         time.Time `json:"created_at"`
}

// RuleStats are per-rule effectiveness counters maintained on application.
// They feed admin reporting, never the pipeline itself.
type RuleStats struct {
	RuleID              uuid.UUID  `json:"rule_id"`
	Applications        int64      `json:"applications"`
	SuccessfulOverrides int64      `json:"successful_overrides"`
	MeanConfidenceDelta float64    `json:"mean_confidence_delta"`
	LastAppliedAt       *time.Time `json:"last_applied_at,omitempty"`
}

// Validate checks structural invariants: non-empty conditions, known
// fields/operators/logic, compiling regexes, non-negative word counts,
// priority in [1, 100], and a valid override severity.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fault.New(fault.KindInvalidInput, "rule name is empty")
	}
	if len(r.Conditions) == 0 {
		return fault.New(fault.KindInvalidInput, "rule %q has no conditions", r.Name)
	}
	if r.ConditionLogic != LogicAnd && r.ConditionLogic != LogicOr {
		return fault.New(fault.KindInvalidInput, "rule %q: unknown condition logic %q", r.Name, r.ConditionLogic)
	}
	if r.Priority < 1 || r.Priority > 100 {
		return fault.New(fault.KindInvalidInput, "rule %q: priority %d out of range [1,100]", r.Name, r.Priority)
	}
	if !ValidSeverity(r.SeverityOverride) {
		return fault.New(fault.KindInvalidInput, "rule %q: unknown severity override %q", r.Name, r.SeverityOverride)
	}
	for i, c := range r.Conditions {
		if err := c.validate(); err != nil {
			return fault.Wrap(fault.KindInvalidInput, err, "rule %q condition %d", r.Name, i)
		}
	}
	return nil
}

func (c Condition) validate() error {
	switch c.Field {
	case FieldText, FieldFilename, FieldTags, FieldDocumentType:
	default:
		return fault.New(fault.KindInvalidInput, "unknown field %q", c.Field)
	}
	switch c.Operator {
	case OpContains:
		if _, ok := c.Value.(string); !ok {
			return fault.New(fault.KindInvalidInput, "contains requires a string value")
		}
	case OpRegexMatch:
		s, ok := c.Value.(string)
		if !ok {
			return fault.New(fault.KindInvalidInput, "regex_match requires a string value")
		}
		if _, err := regexp.Compile(s); err != nil {
			return fault.Wrap(fault.KindInvalidInput, err, "regex does not compile")
		}
	case OpWordCountGT, OpWordCountLT:
		n, ok := NumericValue(c.Value)
		if !ok || n < 0 || n != float64(int64(n)) {
			return fault.New(fault.KindInvalidInput, "word count operators require a non-negative integer value")
		}
	default:
		return fault.New(fault.KindInvalidInput, "unknown operator %q", c.Operator)
	}
	return nil
}

// NumericValue coerces a condition value to float64. JSON round-trips store
// numbers as float64; direct construction may use int variants.
func NumericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
