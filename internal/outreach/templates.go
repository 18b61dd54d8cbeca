package outreach

import (
	"fmt"
	"strings"
	"time"

	"github.com/visioncortex/backend/internal/core"
)

// Template is one outreach message skeleton. SignalType "" marks the
// channel's generic fallback. Bodies use {{variable}} placeholders.
type Template struct {
	ID         string       `json:"id"`
	SignalType string       `json:"signal_type,omitempty"`
	Channel    core.Channel `json:"channel"`
	Subject    string       `json:"subject,omitempty"`
	Body       string       `json:"body"`
}

// DefaultTemplates seeds the built-in library. Callers may register
// more at runtime.
func DefaultTemplates() []Template {
	return []Template{
		{
			ID:         "foreclosure-email-1",
			SignalType: "foreclosure",
			Channel:    core.ChannelEmail,
			Subject:    "Time-sensitive option for {{entityName}}",
			Body: "Hi,\n\n" +
				"Public records show the auction for {{entityName}} is {{deadline}} ({{daysRemaining}} days out). " +
				"Properties in this position are often worth around {{value}}, and owners still have options before the sale date.\n\n" +
				"We specialize in {{solution}} and can present a written offer within 48 hours. " +
				"The main concern we hear at this stage is {{painPoint}}, and that is exactly what we resolve.\n\n" +
				"Worth a 15-minute call this week?",
		},
		{
			ID:         "foreclosure-sms-1",
			SignalType: "foreclosure",
			Channel:    core.ChannelSMS,
			Body: "Auction for {{entityName}} is {{deadline}} ({{daysRemaining}} days). " +
				"We buy before the sale date, cash, quick close. Reply YES for a written offer.",
		},
		{
			ID:         "pdufa-email-1",
			SignalType: "pdufa_date",
			Channel:    core.ChannelEmail,
			Subject:    "Ahead of the {{deadline}} decision at {{entityName}}",
			Body: "Hi,\n\n" +
				"With the PDUFA decision for {{entityName}} coming {{deadline}}, teams in {{industry}} usually have {{daysRemaining}} days of runway to prepare either outcome.\n\n" +
				"We help with {{solution}} in exactly this window. The risk most teams underestimate is {{painPoint}}.\n\n" +
				"Open to a short call before the date?",
		},
		{
			ID:         "departure-linkedin-1",
			SignalType: "c_suite_departure",
			Channel:    core.ChannelLinkedIn,
			Body: "Saw the leadership change at {{entityName}}. Transitions like this usually surface {{painPoint}} " +
				"within the first quarter. We work with companies in {{industry}} on {{solution}}. " +
				"Happy to share what we are seeing across the market.",
		},
		{
			ID:         "exodus-email-1",
			SignalType: "talent_exodus",
			Channel:    core.ChannelEmail,
			Subject:    "Re: recent departures at {{entityName}}",
			Body: "Hi,\n\n" +
				"Several senior departures at {{entityName}} in a short window usually signal {{painPoint}}. " +
				"We have helped companies in {{industry}} stabilize through {{solution}}.\n\n" +
				"Would a conversation in the next {{daysRemaining}} days be useful?",
		},
		{
			ID:      "generic-email",
			Channel: core.ChannelEmail,
			Subject: "Regarding {{entityName}}",
			Body: "Hi,\n\n" +
				"We track situations like the one at {{entityName}} ({{industry}}, {{location}}). " +
				"The window to act is {{deadline}}, and the core issue is usually {{painPoint}}.\n\n" +
				"Our approach: {{solution}}. Interested in a quick call?",
		},
		{
			ID:      "generic-sms",
			Channel: core.ChannelSMS,
			Body:    "{{entityName}}: window closes {{deadline}}. We handle {{solution}}. Reply for details.",
		},
		{
			ID:      "generic-phone",
			Channel: core.ChannelPhone,
			Body: "Call script: open with the {{deadline}} deadline at {{entityName}}, " +
				"probe on {{painPoint}}, position {{solution}}, ask for a follow-up meeting.",
		},
		{
			ID:      "generic-linkedin",
			Channel: core.ChannelLinkedIn,
			Body: "Noticed the situation at {{entityName}}. We work on {{solution}} for companies facing {{painPoint}}. " +
				"Open to connecting?",
		},
	}
}

// Variables is the substitution context for one generation.
type Variables struct {
	EntityName    string
	Deadline      string // humanized
	DaysRemaining int
	UrgencyScore  float64
	Value         string
	Industry      string
	Location      string
	PainPoint     string
	Solution      string
}

// Apply substitutes every placeholder in the text.
func (v Variables) Apply(text string) string {
	r := strings.NewReplacer(
		"{{entityName}}", v.EntityName,
		"{{deadline}}", v.Deadline,
		"{{daysRemaining}}", fmt.Sprintf("%d", v.DaysRemaining),
		"{{urgencyScore}}", fmt.Sprintf("%.0f", v.UrgencyScore),
		"{{value}}", v.Value,
		"{{industry}}", v.Industry,
		"{{location}}", v.Location,
		"{{painPoint}}", v.PainPoint,
		"{{solution}}", v.Solution,
	)
	return r.Replace(text)
}

// HumanizeDeadline renders an absolute deadline relative to now:
// "today", "tomorrow", "in N days", "in N weeks", "in N months".
func HumanizeDeadline(deadline, now time.Time) string {
	days := int(deadline.Sub(now).Hours() / 24)
	switch {
	case days <= 0:
		return "today"
	case days == 1:
		return "tomorrow"
	case days < 14:
		return fmt.Sprintf("in %d days", days)
	case days < 60:
		return fmt.Sprintf("in %d weeks", days/7)
	default:
		return fmt.Sprintf("in %d months", days/30)
	}
}

// painPoints maps the dominant trigger to the phrase templates lean on.
var painPoints = map[string]string{
	"urgency":                "running out of time before a hard deadline",
	"financial_stress":       "mounting financial pressure",
	"operational_disruption": "operational instability and execution risk",
	"competitive_threat":     "competitors moving on the same opportunity",
	"regulatory_risk":        "regulatory exposure and compliance deadlines",
	"strategic":              "a strategic window that will not stay open",
}

// solutions maps the assigned playbook to the pitch line.
var solutions = map[string]string{
	core.PlaybookRescue:    "fast, certain cash transactions before the deadline",
	core.PlaybookBuy:       "structured acquisitions with full-price strategic offers",
	core.PlaybookPartner:   "operational partnerships that stabilize execution",
	core.PlaybookRefinance: "debt restructuring with replacement financing",
	core.PlaybookLitigate:  "claim resolution backed by experienced counsel",
	core.PlaybookWalk:      "ongoing monitoring until the situation develops",
}
