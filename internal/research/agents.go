// Package research defines the fixed research agents and the memo outline.
// Agent order is part of the product contract: the research page is always
// written in this order regardless of which agent finishes first.
package research

import (
	"fmt"
	"strings"
)

// Agent is one research perspective run against the model provider.
type Agent struct {
	// Key identifies the agent in job payloads and results.
	Key string
	// Title is the human-readable section heading.
	Title string
	// Focus is the agent-specific research brief embedded in the prompt.
	Focus string
}

// Agents is the fixed, ordered set of research agents.
var Agents = []Agent{
	{
		Key:   "market_tam",
		Title: "Market & TAM",
		Focus: "Size the market this company sells into: TAM, SAM and realistic " +
			"obtainable share, growth rate, and the main demand drivers. Call out " +
			"whether the TAM story depends on category creation.",
	},
	{
		Key:   "competitors",
		Title: "Competitive Landscape",
		Focus: "Map direct and adjacent competitors, their funding and stage, and " +
			"how this company differentiates. Note any incumbent likely to bundle " +
			"the feature.",
	},
	{
		Key:   "founder_background",
		Title: "Founder Background",
		Focus: "Summarize the founder's track record: prior companies, exits, " +
			"domain expertise and public reputation. Flag gaps between the " +
			"founder's background and what this business requires.",
	},
	{
		Key:   "risks_redflags",
		Title: "Risks & Red Flags",
		Focus: "List the principal risks: market timing, regulatory exposure, " +
			"concentration, platform dependence, and anything in public record " +
			"that warrants a closer look.",
	},
	{
		Key:   "product_defensibility",
		Title: "Product & Defensibility",
		Focus: "Assess the product's moat: technology depth, data advantages, " +
			"switching costs, network effects. Distinguish durable advantages " +
			"from head starts.",
	},
	{
		Key:   "traction_signals",
		Title: "Traction Signals",
		Focus: "Collect observable traction: customers, hiring velocity, " +
			"community growth, press and partnership announcements. Separate " +
			"verified signals from marketing claims.",
	},
}

// AgentByKey returns the agent definition for key.
func AgentByKey(key string) (Agent, bool) {
	for _, a := range Agents {
		if a.Key == key {
			return a, true
		}
	}
	return Agent{}, false
}

const systemPrompt = "You are a venture research analyst. Be specific, cite " +
	"sources, and say clearly when information is unavailable rather than " +
	"guessing. Answer in markdown."

// SystemPrompt is the shared system prompt for research agents.
func SystemPrompt() string { return systemPrompt }

// Prompt renders the agent's research prompt for a deal.
func (a Agent) Prompt(company, founder, context string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research the company %q", company)
	if founder != "" {
		fmt.Fprintf(&b, " (founder: %s)", founder)
	}
	b.WriteString(" for an early-stage investment evaluation.\n\n")
	b.WriteString(a.Focus)
	b.WriteString("\n\n")
	if context != "" {
		b.WriteString("Context from the first meeting notes:\n")
		b.WriteString(context)
		b.WriteString("\n\n")
	}
	b.WriteString("End your answer with a line \"SOURCES:\" followed by a " +
		"bulleted list of the sources you relied on, or \"SOURCES: none\".")
	return b.String()
}

// Result is one agent's outcome within a batch.
type Result struct {
	AgentKey  string
	OK        bool
	Summary   string
	Citations []string
	Err       error
}

// ParseResponse splits a model reply into the summary body and the trailing
// SOURCES list.
func ParseResponse(text string) (summary string, citations []string) {
	idx := strings.LastIndex(text, "SOURCES:")
	if idx < 0 {
		return strings.TrimSpace(text), nil
	}
	summary = strings.TrimSpace(text[:idx])
	for _, line := range strings.Split(text[idx+len("SOURCES:"):], "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*• "))
		if line == "" || strings.EqualFold(line, "none") {
			continue
		}
		citations = append(citations, line)
	}
	return summary, citations
}
