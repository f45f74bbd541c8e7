package classifier

import (
	"errors"
	"testing"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/google/go-cmp/cmp"
)

func mustDefault(t *testing.T) *Classifier {
	t.Helper()
	c, err := Compile(DefaultRules())
	if err != nil {
		t.Fatalf("default rules do not compile: %v", err)
	}
	return c
}

func TestClassify_DefaultRules(t *testing.T) {
	c := mustDefault(t)

	tests := []struct {
		name string
		tx   domain.Transaction
		want Verdict
	}{
		{
			name: "zelle keyword",
			tx:   domain.Transaction{Description: "Zelle Deposit", AccountName: "EveryDay Checking"},
			want: Verdict{Lateral: true, Rule: "internal-movement"},
		},
		{
			name: "keyword in category",
			tx:   domain.Transaction{Description: "CHASE AUTOPAY", RawCategory: []string{"Credit Card Payment"}},
			want: Verdict{Lateral: true, Rule: "internal-movement", Categories: []string{"Credit Card Payment"}},
		},
		{
			name: "aliased category",
			tx:   domain.Transaction{Description: "Sweep", RawCategory: []string{" transfers "}},
			want: Verdict{Lateral: true, Rule: "internal-movement", Categories: []string{"Transfer"}},
		},
		{
			name: "excluded income category",
			tx:   domain.Transaction{Description: "Wedding gig", RawCategory: []string{"Side  Hustle"}},
			want: Verdict{Lateral: true, SideHustle: true, Rule: "excluded-income-category", Categories: []string{"Side Hustle"}},
		},
		{
			name: "navy federal cash app",
			tx: domain.Transaction{
				Description: "Cash App*J SMITH",
				Account:     domain.AccountKey{AccountID: "0042", Institution: "Navy Federal Credit Union"},
			},
			want: Verdict{Lateral: true, SideHustle: true, Rule: "navy-federal-side-income"},
		},
		{
			name: "cash app elsewhere is ordinary",
			tx: domain.Transaction{
				Description: "Cash App*J SMITH",
				Account:     domain.AccountKey{AccountID: "0042", Institution: "Chase"},
			},
			want: Verdict{},
		},
		{
			name: "paycheck",
			tx:   domain.Transaction{Description: "ACME CORP PAYROLL", RawCategory: []string{"Paycheck", "paycheck", ""}},
			want: Verdict{Categories: []string{"Paycheck"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.tx)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Classify() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestClassify_FirstMatchWins(t *testing.T) {
	rs := RuleSet{Rules: []Rule{
		{Name: "payroll", When: []Condition{{Fields: []string{"description"}, Pattern: `payroll|direct dep`}}},
		{Name: "transfer", Lateral: true, When: []Condition{{Fields: []string{"description"}, Contains: []string{"transfer"}}}},
	}}
	c, err := Compile(rs)
	if err != nil {
		t.Fatal(err)
	}

	got := c.Classify(domain.Transaction{Description: "PAYROLL TRANSFER ACME"})
	if got.Lateral || got.Rule != "payroll" {
		t.Errorf("earlier rule should win, got %+v", got)
	}
	got = c.Classify(domain.Transaction{Description: "Online Transfer to SAV"})
	if !got.Lateral || got.Rule != "transfer" {
		t.Errorf("got %+v", got)
	}
}

func TestWithTransferCategories(t *testing.T) {
	base := mustDefault(t)
	c := base.WithTransferCategories([]string{"Savings Move", ""})

	tx := domain.Transaction{Description: "Monthly", RawCategory: []string{"savings move"}}
	if base.Classify(tx).Lateral {
		t.Fatal("base classifier must not know ledger categories")
	}
	got := c.Classify(tx)
	if !got.Lateral || got.Rule != TransferCategoriesRule {
		t.Errorf("got %+v", got)
	}
	if len(c.RuleNames()) != len(base.RuleNames())+1 {
		t.Errorf("expected one extra rule, got %v", c.RuleNames())
	}
	if base.WithTransferCategories(nil) != base {
		t.Error("no categories should return the same classifier")
	}
}

func TestApply(t *testing.T) {
	c := mustDefault(t)
	tx := c.Apply(domain.Transaction{Description: "Zelle Deposit", RawCategory: []string{"Transfers"}})
	if !tx.IsLateral || tx.ClassifiedBy != "internal-movement" {
		t.Errorf("unexpected classification: %+v", tx)
	}
	if diff := cmp.Diff([]string{"Transfer"}, tx.RawCategory); diff != "" {
		t.Errorf("categories (-want +got):\n%s", diff)
	}

	// a stale flag is cleared when no rule matches any more
	tx = c.Apply(domain.Transaction{Description: "Groceries", IsLateral: true, ClassifiedBy: "old"})
	if tx.IsLateral || tx.ClassifiedBy != "" {
		t.Errorf("stale classification kept: %+v", tx)
	}
}

func TestCompile_Invalid(t *testing.T) {
	cond := Condition{Fields: []string{"description"}, Contains: []string{"x"}}

	tests := []struct {
		name  string
		rules RuleSet
		index int
	}{
		{"missing name", RuleSet{Rules: []Rule{{When: []Condition{cond}}}}, 0},
		{"duplicate name", RuleSet{Rules: []Rule{{Name: "a", When: []Condition{cond}}, {Name: "A", When: []Condition{cond}}}}, 1},
		{"no conditions", RuleSet{Rules: []Rule{{Name: "a"}}}, 0},
		{"unknown field", RuleSet{Rules: []Rule{{Name: "a", When: []Condition{{Fields: []string{"memo"}, Contains: []string{"x"}}}}}}, 0},
		{"no fields", RuleSet{Rules: []Rule{{Name: "a", When: []Condition{{Contains: []string{"x"}}}}}}, 0},
		{"two matchers", RuleSet{Rules: []Rule{{Name: "a", When: []Condition{{Fields: []string{"category"}, Contains: []string{"x"}, Pattern: "y"}}}}}, 0},
		{"no matcher", RuleSet{Rules: []Rule{{Name: "a", When: []Condition{{Fields: []string{"category"}}}}}}, 0},
		{"bad pattern", RuleSet{Rules: []Rule{{Name: "a", When: []Condition{{Fields: []string{"category"}, Pattern: "("}}}}}, 0},
		{"empty needle", RuleSet{Rules: []Rule{{Name: "a", When: []Condition{{Fields: []string{"category"}, Equals: []string{" "}}}}}}, 0},
		{"empty alias", RuleSet{CategoryAliases: map[string]string{"x": ""}}, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.rules)
			var ruleErr *domain.ClassificationRuleError
			if !errors.As(err, &ruleErr) {
				t.Fatalf("expected ClassificationRuleError, got %v", err)
			}
			if ruleErr.Index != tt.index {
				t.Errorf("Index = %d, want %d", ruleErr.Index, tt.index)
			}
		})
	}
}

func TestParseRules(t *testing.T) {
	rs, err := ParseRules([]byte(`
version: 3
rules:
  - name: sweep
    lateral: true
    when:
      - fields: [description]
        contains: [sweep]
`))
	if err != nil {
		t.Fatal(err)
	}
	if rs.Version != 3 || len(rs.Rules) != 1 || !rs.Rules[0].Lateral {
		t.Errorf("unexpected rule set: %+v", rs)
	}

	_, err = ParseRules([]byte("rules:\n  - name: a\n    when:\n      - fields: [description]\n        contain: [x]\n"))
	var ruleErr *domain.ClassificationRuleError
	if !errors.As(err, &ruleErr) {
		t.Fatalf("misspelled matcher should be rejected, got %v", err)
	}
}

func TestMaskDescription(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"XFER TO 123456789", "XFER TO ****6789"},
		{"Coffee 2025 $4.50", "Coffee 2025 $4.50"},
		{"Card 4111111111111111 and 998877", "Card ****1111 and ****8877"},
	}
	for _, tt := range tests {
		if got := MaskDescription(tt.in); got != tt.want {
			t.Errorf("MaskDescription(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
