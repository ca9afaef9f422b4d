package research

import (
	"fmt"
	"strings"
)

// MemoSections is the fixed ten-section outline of the investment memo.
var MemoSections = []string{
	"Executive Summary",
	"Company Overview",
	"Problem & Solution",
	"Market Opportunity",
	"Competitive Landscape",
	"Team Assessment",
	"Traction & Metrics",
	"Risks & Mitigations",
	"Deal Considerations",
	"Recommendation",
}

// MemoSystemPrompt is the system prompt for memo synthesis.
const MemoSystemPrompt = "You are drafting an internal investment memo for a " +
	"venture fund's investment committee. Write in clear, direct prose. " +
	"Ground every claim in the provided research; mark open questions " +
	"explicitly instead of papering over them. Answer in markdown."

// MemoPrompt renders the memo synthesis prompt for a deal.
func MemoPrompt(company, founder, context string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Draft an investment memo for %q", company)
	if founder != "" {
		fmt.Fprintf(&b, " (founder: %s)", founder)
	}
	b.WriteString(".\n\nUse exactly these sections, in order, each as a " +
		"markdown \"##\" heading:\n")
	for i, s := range MemoSections {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	if context != "" {
		b.WriteString("\nResearch and notes gathered so far:\n")
		b.WriteString(context)
		b.WriteString("\n")
	}
	return b.String()
}
