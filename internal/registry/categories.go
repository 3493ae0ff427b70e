package registry

import "sort"

// DefaultCategory is assigned to agents that appear in no category.
const DefaultCategory = "other"

// Categories maps agent names to a category by membership.
type Categories struct {
	byAgent map[string]string
}

// DefaultCategoryTable is the built-in category membership.
func DefaultCategoryTable() map[string][]string {
	return map[string][]string{
		"engineering":    {"backend-expert", "frontend-expert", "mobile-expert", "ai-ml-expert", "blockchain-expert", "performance-engineer"},
		"strategy":       {"business-analyst", "product-strategy-expert", "pricing-optimization-expert", "competitive-intelligence-expert"},
		"infrastructure": {"cloud-architect", "devops-sre-expert", "database-architect"},
		"design":         {"uiux-expert"},
		"growth":         {"marketing-expert", "social-media-expert", "customer-success-expert"},
		"operations":     {"business-operations-expert", "legal-compliance-expert", "data-analytics-expert"},
		"security":       {"security-specialist", "cloud-security-auditor"},
		"quality":        {"qa-test-engineer"},
		"coordination":   {"orchestration-agent"},
	}
}

// NewCategories indexes table. An agent listed twice keeps the
// alphabetically first category.
func NewCategories(table map[string][]string) Categories {
	cats := make([]string, 0, len(table))
	for cat := range table {
		cats = append(cats, cat)
	}
	sort.Strings(cats)

	byAgent := make(map[string]string)
	for _, cat := range cats {
		for _, agent := range table[cat] {
			if _, seen := byAgent[agent]; !seen {
				byAgent[agent] = cat
			}
		}
	}
	return Categories{byAgent: byAgent}
}

// Resolve returns the agent's category or DefaultCategory.
func (c Categories) Resolve(agent string) string {
	if cat, ok := c.byAgent[agent]; ok {
		return cat
	}
	return DefaultCategory
}
