// Package policy implements the externalized classification policy: a
// versioned, ordered rule list evaluated first-match-wins against a
// collected signal set. Evaluation is a pure function of (signals,
// policy); the document is parsed and validated once at load time and
// treated as immutable for the run.
package policy

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Outcome is the classification decided for one signal set.
type Outcome string

const (
	Pass     Outcome = "PASS"
	SoftFail Outcome = "SOFT_FAIL"
	HardFail Outcome = "HARD_FAIL"
	Unknown  Outcome = "UNKNOWN"
)

// Op is a predicate operator. The set is closed and validated at load
// time; an unknown op is a configuration error, never a silent no-match.
type Op string

const (
	OpEq      Op = "eq"
	OpNeq     Op = "neq"
	OpGt      Op = "gt"
	OpGte     Op = "gte"
	OpLt      Op = "lt"
	OpLte     Op = "lte"
	OpIn      Op = "in"
	OpExists  Op = "exists"
	OpMissing Op = "missing"
)

// Condition is one signal predicate. All conditions of a rule must
// hold for the rule to match.
type Condition struct {
	Signal string `yaml:"signal"`
	Op     Op     `yaml:"op"`
	Value  any    `yaml:"value,omitempty"`
}

// Rule maps a predicate conjunction to an outcome. A rule with no
// conditions always matches and acts as a catch-all.
type Rule struct {
	ID      string      `yaml:"id"`
	Outcome Outcome     `yaml:"outcome"`
	When    []Condition `yaml:"when,omitempty"`
}

// Policy is the loaded, validated policy document.
type Policy struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// Classification is the result of evaluating one signal set.
type Classification struct {
	Outcome       Outcome `json:"outcome"`
	RuleID        string  `json:"rule_id"`
	PolicyVersion string  `json:"policy_version"`
}

var validOutcomes = map[Outcome]struct{}{
	Pass: {}, SoftFail: {}, HardFail: {}, Unknown: {},
}

var validOps = map[Op]struct{}{
	OpEq: {}, OpNeq: {}, OpGt: {}, OpGte: {}, OpLt: {}, OpLte: {},
	OpIn: {}, OpExists: {}, OpMissing: {},
}

// Load reads and validates a policy document from path.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "policy: read document")
	}
	return Parse(data)
}

// Parse validates raw YAML policy bytes.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, eris.Wrap(err, "policy: parse document")
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Policy) validate() error {
	if p.Version == "" {
		return eris.New("policy: version is required")
	}
	if len(p.Rules) == 0 {
		return eris.New("policy: at least one rule is required")
	}
	seen := make(map[string]struct{}, len(p.Rules))
	for i, r := range p.Rules {
		if r.ID == "" {
			return eris.Errorf("policy: rule %d has no id", i)
		}
		if _, dup := seen[r.ID]; dup {
			return eris.Errorf("policy: duplicate rule id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
		if _, ok := validOutcomes[r.Outcome]; !ok {
			return eris.Errorf("policy: rule %q has unknown outcome %q", r.ID, r.Outcome)
		}
		for j, c := range r.When {
			if c.Signal == "" {
				return eris.Errorf("policy: rule %q condition %d has no signal", r.ID, j)
			}
			if _, ok := validOps[c.Op]; !ok {
				return eris.Errorf("policy: rule %q condition %d has unknown op %q", r.ID, j, c.Op)
			}
			switch c.Op {
			case OpExists, OpMissing:
				if c.Value != nil {
					return eris.Errorf("policy: rule %q condition %d: op %q takes no value", r.ID, j, c.Op)
				}
			case OpIn:
				if _, ok := c.Value.([]any); !ok {
					return eris.Errorf("policy: rule %q condition %d: op in requires a list value", r.ID, j)
				}
			default:
				if c.Value == nil {
					return eris.Errorf("policy: rule %q condition %d: op %q requires a value", r.ID, j, c.Op)
				}
			}
		}
	}
	return nil
}

// Classify evaluates signals against the policy's rules in declared
// order. The first rule whose conditions are all satisfied determines
// the result; if no rule matches, the outcome is UNKNOWN, never a
// silent PASS.
func (p *Policy) Classify(signals map[string]any) Classification {
	for _, r := range p.Rules {
		if matches(r.When, signals) {
			return Classification{Outcome: r.Outcome, RuleID: r.ID, PolicyVersion: p.Version}
		}
	}
	return Classification{Outcome: Unknown, PolicyVersion: p.Version}
}

func matches(conds []Condition, signals map[string]any) bool {
	for _, c := range conds {
		actual, present := signals[c.Signal]
		switch c.Op {
		case OpExists:
			if !present {
				return false
			}
		case OpMissing:
			if present {
				return false
			}
		default:
			if !present || !compare(actual, c.Op, c.Value) {
				return false
			}
		}
	}
	return true
}

func compare(actual any, op Op, expected any) bool {
	switch op {
	case OpEq:
		return scalarEqual(actual, expected)
	case OpNeq:
		return !scalarEqual(actual, expected)
	case OpIn:
		list, ok := expected.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if scalarEqual(actual, item) {
				return true
			}
		}
		return false
	case OpGt, OpGte, OpLt, OpLte:
		av, okA := toFloat(actual)
		ev, okE := toFloat(expected)
		if !okA || !okE {
			return false
		}
		switch op {
		case OpGt:
			return av > ev
		case OpGte:
			return av >= ev
		case OpLt:
			return av < ev
		default:
			return av <= ev
		}
	default:
		return false
	}
}

// scalarEqual compares through numeric coercion first so that YAML
// ints match collected float values, then falls back to string form.
func scalarEqual(a, b any) bool {
	if af, okA := toFloat(a); okA {
		if bf, okB := toFloat(b); okB {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
