package routing

import "strings"

const minRulesLength = 20

const rulesHelp = "Provide routing logic like: 'Route support emails to " +
	"support@example.com with [SUPPORT] tag'"

// RulesReport is the result of checking operator-editable rules text.
type RulesReport struct {
	Valid       bool     `json:"valid"`
	Message     string   `json:"message,omitempty"`
	Errors      []string `json:"errors,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Help        string   `json:"help,omitempty"`
}

// ValidateRules checks only that rules text is present, and offers advice.
// The fixed classifier instructions are not consulted.
func ValidateRules(rules string) RulesReport {
	if strings.TrimSpace(rules) == "" {
		return RulesReport{
			Errors: []string{"Routing rules cannot be empty"},
			Help:   rulesHelp,
		}
	}

	report := RulesReport{Valid: true, Message: "Routing rules are valid"}

	if len(strings.TrimSpace(rules)) < minRulesLength {
		report.Suggestions = append(
			report.Suggestions,
			"Routing rules seem very short. Consider adding more detailed "+
				"routing logic.",
		)
	}
	if lower := strings.ToLower(rules); !strings.Contains(lower, "route") &&
		!strings.Contains(rules, "->") {
		report.Suggestions = append(
			report.Suggestions,
			"Routing rules should say where emails go (e.g. "+
				"'support@example.com' or 'sales team').",
		)
	}
	return report
}
