package assembler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cadenzahq/cadenza/pkg/convo"
)

const (
	// Excerpt lengths for the retrieval sections.
	bufferExcerptLen = 500
	recallExcerptLen = 300
	docExcerptLen    = 300
)

// reminderLine closes every enhanced prompt. It constrains citation use so
// the model only grounds answers in listed knowledge.
const reminderLine = "Answer using the context above. Cite knowledge entries by title only when they ground your answer; never invent citations."

// Section names in composition order, used in degradation metadata.
const (
	sectionUser      = "user"
	sectionRecent    = "recent_conversation"
	sectionRecall    = "past_conversation"
	sectionKnowledge = "knowledge"
)

// promptInput carries everything the pure composition step needs. All
// ordering decisions happen before formatting; the slices arrive pre-sorted.
type promptInput struct {
	systemPrompt     string
	profile          *convo.Profile
	buffer           []convo.Turn
	recall           []convo.RecallHit
	knowledge        []convo.KnowledgeHit
	maxContextTokens int
}

// composePrompt renders the enhanced system prompt in the fixed section
// order: agent prompt, user profile, recent conversation, relevant past
// conversation, relevant knowledge, reminder. When the estimated token count
// exceeds the budget, sections are dropped bottom-up (knowledge first, then
// past conversation, then recent conversation); the agent prompt and the
// reminder always survive. Returns the prompt and the names of dropped
// sections.
//
// The function is pure: identical inputs produce byte-identical output.
func composePrompt(in promptInput) (string, []string) {
	type section struct {
		name string
		text string
	}

	var sections []section
	if s := formatProfile(in.profile); s != "" {
		sections = append(sections, section{sectionUser, s})
	}
	if s := formatBuffer(in.buffer); s != "" {
		sections = append(sections, section{sectionRecent, s})
	}
	if s := formatRecall(in.recall); s != "" {
		sections = append(sections, section{sectionRecall, s})
	}
	if s := formatKnowledge(in.knowledge); s != "" {
		sections = append(sections, section{sectionKnowledge, s})
	}

	render := func(n int) string {
		var b strings.Builder
		b.WriteString(in.systemPrompt)
		for _, s := range sections[:n] {
			b.WriteString("\n\n")
			b.WriteString(s.text)
		}
		b.WriteString("\n\n")
		b.WriteString(reminderLine)
		return b.String()
	}

	keep := len(sections)
	prompt := render(keep)
	if in.maxContextTokens > 0 {
		// The profile section never carries retrieval bulk; only the three
		// retrieval sections are droppable, bottom-up.
		floor := 0
		if len(sections) > 0 && sections[0].name == sectionUser {
			floor = 1
		}
		for keep > floor && estimateTokens(prompt) > in.maxContextTokens {
			keep--
			prompt = render(keep)
		}
	}

	var dropped []string
	for _, s := range sections[keep:] {
		dropped = append(dropped, s.name)
	}
	return prompt, dropped
}

// estimateTokens approximates the token count as characters / 4.
func estimateTokens(s string) int {
	return len(s) / 4
}

// formatProfile renders the ## User section, or "" when no profile exists.
// Attribute keys are sorted so the output is stable.
func formatProfile(p *convo.Profile) string {
	if p == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("## User")
	if p.DisplayName != "" {
		fmt.Fprintf(&b, "\nname: %s", p.DisplayName)
	}
	if p.Email != "" {
		fmt.Fprintf(&b, "\nemail: %s", p.Email)
	}
	keys := make([]string, 0, len(p.Attributes))
	for k := range p.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, p.Attributes[k])
	}
	if b.Len() == len("## User") {
		return ""
	}
	return b.String()
}

// formatBuffer renders the ## Recent Conversation section: buffer turns in
// chronological order, role-prefixed, truncated per message.
func formatBuffer(buffer []convo.Turn) string {
	if len(buffer) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Recent Conversation")
	for _, t := range buffer {
		fmt.Fprintf(&b, "\n%s: %s", t.Role, excerpt(t.Content, bufferExcerptLen))
	}
	return b.String()
}

// formatRecall renders the ## Relevant Past Conversation section. Hits
// arrive sorted by similarity descending with recency tie-breaks.
func formatRecall(hits []convo.RecallHit) string {
	if len(hits) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Relevant Past Conversation")
	for _, h := range hits {
		fmt.Fprintf(&b, "\n- (sim=%.2f) %s: %s", h.Similarity, h.Role, excerpt(h.Content, recallExcerptLen))
	}
	return b.String()
}

// formatKnowledge renders the ## Relevant Knowledge section.
func formatKnowledge(hits []convo.KnowledgeHit) string {
	if len(hits) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Relevant Knowledge")
	for _, h := range hits {
		fmt.Fprintf(&b, "\n- [%s] %s (sim=%.2f)", h.Title, excerpt(h.Content, docExcerptLen), h.Similarity)
	}
	return b.String()
}

// sortRecall orders hits by similarity descending, breaking ties by more
// recent created_at first. Sorting is total, so composition stays
// deterministic for fixed inputs.
func sortRecall(hits []convo.RecallHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].CreatedAt.After(hits[j].CreatedAt)
	})
}

// sortKnowledge orders hits by similarity descending with chunk ID as the
// final tie-break to keep ordering total.
func sortKnowledge(hits []convo.KnowledgeHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
}

// excerpt truncates s to at most n characters, appending an ellipsis when
// anything was cut. The limit counts runes, not bytes, so multi-byte content
// gets the same budget as ASCII.
func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	seen := 0
	for i := range s {
		if seen == n {
			return s[:i] + "…"
		}
		seen++
	}
	return s
}
