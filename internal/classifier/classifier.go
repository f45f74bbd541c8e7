// Package classifier flags lateral transfers and side-hustle income using an
// ordered, externally loaded rule set.
package classifier

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dvloznov/finance-reconciler/internal/domain"
)

const (
	FieldDescription = "description"
	FieldCategory    = "category"
	FieldInstitution = "institution"
	FieldAccount     = "account"
)

var knownFields = map[string]bool{
	FieldDescription: true,
	FieldCategory:    true,
	FieldInstitution: true,
	FieldAccount:     true,
}

// TransferCategoriesRule names the rule layered on by WithTransferCategories.
const TransferCategoriesRule = "ledger-transfer-categories"

// Verdict is the classification of one transaction.
type Verdict struct {
	Lateral    bool
	SideHustle bool
	Rule       string // empty when no rule matched
	Categories []string
}

type matcher func(value string) bool

type compiledCondition struct {
	fields []string
	match  matcher
}

type compiledRule struct {
	name       string
	lateral    bool
	sideHustle bool
	conditions []compiledCondition
}

// Classifier is an immutable compiled rule set, safe for concurrent use.
type Classifier struct {
	version int
	rules   []compiledRule
	aliases map[string]string
}

// Compile validates rs and prepares it for evaluation. Any malformed rule
// rejects the whole set with a *domain.ClassificationRuleError.
func Compile(rs RuleSet) (*Classifier, error) {
	c := &Classifier{
		version: rs.Version,
		rules:   make([]compiledRule, 0, len(rs.Rules)),
		aliases: make(map[string]string, len(rs.CategoryAliases)),
	}

	seen := make(map[string]bool, len(rs.Rules))
	for i, r := range rs.Rules {
		name := strings.TrimSpace(r.Name)
		fail := func(format string, args ...any) error {
			return &domain.ClassificationRuleError{Rule: name, Index: i, Message: fmt.Sprintf(format, args...)}
		}

		if name == "" {
			return nil, fail("rule has no name")
		}
		if seen[strings.ToLower(name)] {
			return nil, fail("duplicate rule name")
		}
		seen[strings.ToLower(name)] = true
		if len(r.When) == 0 {
			return nil, fail("rule has no conditions")
		}

		cr := compiledRule{name: name, lateral: r.Lateral, sideHustle: r.SideHustle}
		for j, cond := range r.When {
			cc, err := compileCondition(cond)
			if err != nil {
				return nil, fail("condition %d: %v", j, err)
			}
			cr.conditions = append(cr.conditions, cc)
		}
		c.rules = append(c.rules, cr)
	}

	for from, to := range rs.CategoryAliases {
		key := normalizeKey(from)
		if key == "" || strings.TrimSpace(to) == "" {
			return nil, &domain.ClassificationRuleError{Index: -1, Message: fmt.Sprintf("empty category alias %q -> %q", from, to)}
		}
		c.aliases[key] = collapse(to)
	}

	return c, nil
}

func compileCondition(cond Condition) (compiledCondition, error) {
	if len(cond.Fields) == 0 {
		return compiledCondition{}, fmt.Errorf("no fields")
	}
	fields := make([]string, len(cond.Fields))
	for i, f := range cond.Fields {
		f = strings.ToLower(strings.TrimSpace(f))
		if !knownFields[f] {
			return compiledCondition{}, fmt.Errorf("unknown field %q", f)
		}
		fields[i] = f
	}

	kinds := 0
	if len(cond.Contains) > 0 {
		kinds++
	}
	if len(cond.Equals) > 0 {
		kinds++
	}
	if cond.Pattern != "" {
		kinds++
	}
	if kinds != 1 {
		return compiledCondition{}, fmt.Errorf("exactly one of contains, equals or pattern is required")
	}

	switch {
	case len(cond.Contains) > 0:
		needles, err := lowerAll(cond.Contains)
		if err != nil {
			return compiledCondition{}, err
		}
		return compiledCondition{fields: fields, match: func(v string) bool {
			for _, n := range needles {
				if strings.Contains(v, n) {
					return true
				}
			}
			return false
		}}, nil

	case len(cond.Equals) > 0:
		values, err := lowerAll(cond.Equals)
		if err != nil {
			return compiledCondition{}, err
		}
		return compiledCondition{fields: fields, match: func(v string) bool {
			for _, want := range values {
				if v == want {
					return true
				}
			}
			return false
		}}, nil
	}

	re, err := regexp.Compile("(?i)" + cond.Pattern)
	if err != nil {
		return compiledCondition{}, fmt.Errorf("invalid pattern: %v", err)
	}
	return compiledCondition{fields: fields, match: re.MatchString}, nil
}

func lowerAll(values []string) ([]string, error) {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = normalizeKey(v)
		if out[i] == "" {
			return nil, fmt.Errorf("empty match value")
		}
	}
	return out, nil
}

// Version is the version of the compiled rule set.
func (c *Classifier) Version() int {
	return c.version
}

// RuleNames lists the rules in evaluation order.
func (c *Classifier) RuleNames() []string {
	names := make([]string, len(c.rules))
	for i, r := range c.rules {
		names[i] = r.name
	}
	return names
}

// WithTransferCategories returns a classifier that additionally flags
// transactions in the named categories as lateral. The rule is evaluated
// after the configured ones.
func (c *Classifier) WithTransferCategories(names []string) *Classifier {
	values := make([]string, 0, len(names))
	for _, n := range names {
		if k := normalizeKey(c.alias(n)); k != "" {
			values = append(values, k)
		}
	}
	if len(values) == 0 {
		return c
	}

	out := &Classifier{
		version: c.version,
		rules:   make([]compiledRule, len(c.rules), len(c.rules)+1),
		aliases: c.aliases,
	}
	copy(out.rules, c.rules)
	out.rules = append(out.rules, compiledRule{
		name:    TransferCategoriesRule,
		lateral: true,
		conditions: []compiledCondition{{
			fields: []string{FieldCategory},
			match: func(v string) bool {
				for _, want := range values {
					if v == want {
						return true
					}
				}
				return false
			},
		}},
	})
	return out
}

// Classify evaluates the rules in order; the first rule whose conditions all
// match decides the verdict. No match means ordinary cash flow.
func (c *Classifier) Classify(tx domain.Transaction) Verdict {
	categories := c.NormalizeCategories(tx.RawCategory)
	values := map[string][]string{
		FieldDescription: {normalizeKey(tx.Description)},
		FieldCategory:    lowerKeys(categories),
		FieldInstitution: {normalizeKey(tx.Account.Institution)},
		FieldAccount:     {normalizeKey(tx.AccountName), normalizeKey(tx.Account.AccountID)},
	}

	for _, r := range c.rules {
		if r.matches(values) {
			return Verdict{Lateral: r.lateral, SideHustle: r.sideHustle, Rule: r.name, Categories: categories}
		}
	}
	return Verdict{Categories: categories}
}

// Apply classifies tx and returns it with the verdict written back.
func (c *Classifier) Apply(tx domain.Transaction) domain.Transaction {
	v := c.Classify(tx)
	tx.IsLateral = v.Lateral
	tx.IsSideHustle = v.SideHustle
	tx.ClassifiedBy = v.Rule
	tx.RawCategory = v.Categories
	return tx
}

func (r compiledRule) matches(values map[string][]string) bool {
	for _, cond := range r.conditions {
		if !cond.matchesAny(values) {
			return false
		}
	}
	return true
}

func (cc compiledCondition) matchesAny(values map[string][]string) bool {
	for _, f := range cc.fields {
		for _, v := range values[f] {
			if v != "" && cc.match(v) {
				return true
			}
		}
	}
	return false
}

func lowerKeys(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = normalizeKey(v)
	}
	return out
}
