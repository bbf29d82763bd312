package in_toto

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

func encodeStringSlice(s []string) ([]byte, error) {
	return json.Marshal(s)
}

func decodeStringSlice(data []byte) ([]string, error) {
	var s []string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return s, nil
}

// SourceType distinguishes which side of a referenced link a MATCH rule
// compares against.
type SourceType string

const (
	SourceMaterial SourceType = "MATERIAL"
	SourceProduct  SourceType = "PRODUCT"
)

// RuleKind discriminates the tagged Rule union.
type RuleKind string

const (
	RuleCreate RuleKind = "CREATE"
	RuleDelete RuleKind = "DELETE"
	RuleModify RuleKind = "MODIFY"
	RuleMatch  RuleKind = "MATCH"
)

/*
Rule is a discriminated union over the artifact rule tuple grammar. Only
the fields relevant to Kind are meaningful; UnpackRule guarantees the
others are zero-valued for a given kind, so the evaluator in verifylib.go
never needs defensive field checks.
*/
type Rule struct {
	Kind RuleKind

	// CREATE, DELETE, MODIFY, and the source pattern of MATCH.
	Pattern string

	// MATCH only.
	SourceType SourceType
	DstPattern string // non-empty only for the "AS" form
	FromStep   string

	// Raw is the original tuple, kept for error messages and re-encoding.
	Raw []string
}

/*
UnpackRule parses a rule tuple (as read from JSON, e.g.
["MATCH","PRODUCT","foo.py","FROM","write-code"]) into its tagged Rule
variant. Rule keyword case is normalized to upper-case before dispatch; the
rest of the tuple is case-sensitive. It returns ErrRuleSyntax on arity or
reserved-word mistakes.
*/
func UnpackRule(tuple []string) (Rule, error) {
	if len(tuple) == 0 {
		return Rule{}, errors.Wrap(ErrRuleSyntax, "empty rule tuple")
	}

	kind := RuleKind(strings.ToUpper(tuple[0]))
	raw := append([]string(nil), tuple...)

	switch kind {
	case RuleCreate, RuleDelete, RuleModify:
		if len(tuple) != 2 {
			return Rule{}, errors.Wrapf(ErrRuleSyntax, "%s rule requires exactly 1 argument, got %d", kind, len(tuple)-1)
		}
		return Rule{Kind: kind, Pattern: tuple[1], Raw: raw}, nil

	case RuleMatch:
		return unpackMatchRule(tuple, raw)

	default:
		return Rule{}, errors.Wrapf(ErrRuleSyntax, "unknown rule keyword %q", tuple[0])
	}
}

func unpackMatchRule(tuple []string, raw []string) (Rule, error) {
	// ["MATCH", src_type, pattern, "FROM", step_name]
	// ["MATCH", src_type, pattern, "AS", dst_pattern, "FROM", step_name]
	if len(tuple) != 5 && len(tuple) != 7 {
		return Rule{}, errors.Wrapf(ErrRuleSyntax, "MATCH rule has wrong arity: %d", len(tuple))
	}

	srcType := SourceType(strings.ToUpper(tuple[1]))
	if srcType != SourceMaterial && srcType != SourceProduct {
		return Rule{}, errors.Wrapf(ErrRuleSyntax, "MATCH rule source type must be MATERIAL or PRODUCT, got %q", tuple[1])
	}
	pattern := tuple[2]

	if len(tuple) == 5 {
		if strings.ToUpper(tuple[3]) != "FROM" {
			return Rule{}, errors.Wrapf(ErrRuleSyntax, "MATCH rule expected FROM, got %q", tuple[3])
		}
		return Rule{
			Kind:       RuleMatch,
			SourceType: srcType,
			Pattern:    pattern,
			FromStep:   tuple[4],
			Raw:        raw,
		}, nil
	}

	if strings.ToUpper(tuple[3]) != "AS" {
		return Rule{}, errors.Wrapf(ErrRuleSyntax, "MATCH rule expected AS, got %q", tuple[3])
	}
	if strings.ToUpper(tuple[5]) != "FROM" {
		return Rule{}, errors.Wrapf(ErrRuleSyntax, "MATCH rule expected FROM, got %q", tuple[5])
	}
	return Rule{
		Kind:       RuleMatch,
		SourceType: srcType,
		Pattern:    pattern,
		DstPattern: tuple[4],
		FromStep:   tuple[6],
		Raw:        raw,
	}, nil
}

// UnpackRules parses a list of rule tuples in order, failing on the first
// syntax error.
func UnpackRules(tuples [][]string) ([]Rule, error) {
	rules := make([]Rule, 0, len(tuples))
	for _, tuple := range tuples {
		rule, err := UnpackRule(tuple)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// MarshalJSON re-encodes a Rule as its original tuple, so layouts
// round-trip byte-for-byte through the canonical encoder.
func (r Rule) MarshalJSON() ([]byte, error) {
	return encodeStringSlice(r.Raw)
}

// UnmarshalJSON decodes a rule tuple and parses it through UnpackRule,
// so a Layout read from disk always carries validated Rule values.
func (r *Rule) UnmarshalJSON(data []byte) error {
	tuple, err := decodeStringSlice(data)
	if err != nil {
		return errors.Wrap(ErrFormatError, err.Error())
	}
	parsed, err := UnpackRule(tuple)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
