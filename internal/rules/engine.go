// Package rules evaluates deterministic severity-override rules against
// documents. Rules encode legal or policy mandates that outrank the model:
// when one matches, its severity override replaces the LLM label.
package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/hanrei/internal/model"
)

// Application records one matched rule and the condition evidence that
// made it fire.
type Application struct {
	Rule     model.Rule
	Evidence []string
}

// Decision is the outcome of evaluating a rule set against one document.
type Decision struct {
	// Matched lists every rule that fired, in evaluation order.
	Matched []Application
	// Applied is the subset of Matched that determined the override: the
	// top-priority-tier rules whose override equals the winning severity.
	Applied []Application
	// Override is the winning severity when any rule matched, nil otherwise.
	Override *model.Severity
	// Conflicting reports whether matched rules disagreed on the override.
	Conflicting bool
}

// AppliedRuleIDs returns the IDs of the rules that determined the override.
func (d Decision) AppliedRuleIDs() []uuid.UUID {
	out := make([]uuid.UUID, len(d.Applied))
	for i, a := range d.Applied {
		out[i] = a.Rule.ID
	}
	return out
}

// Evaluate runs every rule against the document. Rules must arrive in
// evaluation order (priority descending, ID ascending); storage lists them
// that way. Conflict resolution: the highest matched priority tier wins,
// within that tier ties resolve to the most restrictive severity, and only
// the top-tier rules carrying the winning severity count as applied.
func Evaluate(doc model.Document, ruleSet []model.Rule) Decision {
	var d Decision
	for _, r := range ruleSet {
		if !r.Active {
			continue
		}
		if evidence, matched := evaluateRule(doc, r); matched {
			d.Matched = append(d.Matched, Application{Rule: r, Evidence: evidence})
		}
	}
	if len(d.Matched) == 0 {
		return d
	}

	topPriority := d.Matched[0].Rule.Priority
	winner := d.Matched[0].Rule.SeverityOverride
	seen := map[model.Severity]bool{winner: true}
	for _, a := range d.Matched[1:] {
		seen[a.Rule.SeverityOverride] = true
		if a.Rule.Priority == topPriority && model.MoreRestrictive(a.Rule.SeverityOverride, winner) {
			winner = a.Rule.SeverityOverride
		}
	}
	for _, a := range d.Matched {
		if a.Rule.Priority == topPriority && a.Rule.SeverityOverride == winner {
			d.Applied = append(d.Applied, a)
		}
	}
	d.Override = &winner
	d.Conflicting = len(seen) > 1
	return d
}

// evaluateRule applies a rule's conditions under its logic mode,
// short-circuiting where the outcome is already decided. Evidence is
// collected for conditions actually evaluated and matched.
func evaluateRule(doc model.Document, r model.Rule) ([]string, bool) {
	var evidence []string
	for _, c := range r.Conditions {
		matched, why := evaluateCondition(doc, c)
		if matched {
			evidence = append(evidence, why)
			if r.ConditionLogic == model.LogicOr {
				return evidence, true
			}
			continue
		}
		if r.ConditionLogic == model.LogicAnd {
			return nil, false
		}
	}
	if r.ConditionLogic == model.LogicAnd {
		return evidence, true
	}
	return nil, false
}

func evaluateCondition(doc model.Document, c model.Condition) (bool, string) {
	subject := fieldValue(doc, c.Field)

	switch c.Operator {
	case model.OpContains:
		needle, _ := c.Value.(string)
		haystack := subject
		if !c.CaseSensitive {
			haystack = strings.ToLower(haystack)
			needle = strings.ToLower(needle)
		}
		if strings.Contains(haystack, needle) {
			return true, fmt.Sprintf("%s contains %q", c.Field, c.Value)
		}
	case model.OpRegexMatch:
		expr, _ := c.Value.(string)
		if !c.CaseSensitive {
			expr = "(?i)" + expr
		}
		// Validate guaranteed the expression compiles.
		if re, err := regexp.Compile(expr); err == nil && re.MatchString(subject) {
			return true, fmt.Sprintf("%s matches /%s/", c.Field, c.Value)
		}
	case model.OpWordCountGT:
		n, _ := model.NumericValue(c.Value)
		if count := wordCount(subject); float64(count) > n {
			return true, fmt.Sprintf("%s word count %d > %.0f", c.Field, count, n)
		}
	case model.OpWordCountLT:
		n, _ := model.NumericValue(c.Value)
		if count := wordCount(subject); float64(count) < n {
			return true, fmt.Sprintf("%s word count %d < %.0f", c.Field, count, n)
		}
	}
	return false, ""
}

func fieldValue(doc model.Document, f model.ConditionField) string {
	switch f {
	case model.FieldText:
		return doc.Text
	case model.FieldFilename:
		return doc.Metadata.Filename
	case model.FieldTags:
		return strings.Join(doc.Metadata.Tags, " ")
	case model.FieldDocumentType:
		return string(doc.Role)
	}
	return ""
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// AppendOverrideRationale extends the classifier rationale with the applied
// rules and the condition evidence that made each one fire, so the stored
// rationale explains the final label on its own.
func AppendOverrideRationale(rationale string, applied []Application) string {
	if len(applied) == 0 {
		return rationale
	}
	parts := make([]string, len(applied))
	for i, a := range applied {
		if len(a.Evidence) > 0 {
			parts[i] = fmt.Sprintf("%s (%s)", a.Rule.Name, strings.Join(a.Evidence, "; "))
		} else {
			parts[i] = a.Rule.Name
		}
	}
	return fmt.Sprintf("%s Rule Overrides Applied: %s.", strings.TrimSpace(rationale), strings.Join(parts, ", "))
}
