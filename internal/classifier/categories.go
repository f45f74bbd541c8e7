package classifier

import "strings"

// Uncategorized is reported for transactions that carry no category.
const Uncategorized = "Uncategorized"

// NormalizeCategories collapses whitespace, applies the configured aliases
// and drops empty and repeated entries. Order is kept.
func (c *Classifier) NormalizeCategories(raw []string) []string {
	if len(raw) == 0 {
		return nil
	}
	out := make([]string, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, r := range raw {
		name := c.alias(r)
		key := normalizeKey(name)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, name)
	}
	return out
}

// PrimaryCategory is the first category or Uncategorized.
func PrimaryCategory(categories []string) string {
	if len(categories) == 0 {
		return Uncategorized
	}
	return categories[0]
}

func (c *Classifier) alias(name string) string {
	name = collapse(name)
	if to, ok := c.aliases[normalizeKey(name)]; ok {
		return to
	}
	return name
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func normalizeKey(s string) string {
	return strings.ToLower(collapse(s))
}
