package contextpack

import (
	"fmt"
	"strings"
)

// Render lays the pack out as plain text for prompt injection. The
// output is deterministic for a given pack.
func Render(p *Pack) string {
	var b strings.Builder

	b.WriteString("[HOT CONTEXT — current conversation]\n")
	if len(p.Hot.DMs) == 0 {
		b.WriteString("- (no recent DMs found)\n")
	}
	for _, m := range p.Hot.DMs {
		fmt.Fprintf(&b, "- @%s: %s\n", fallback(m.SenderHandle, "unknown"), clip(m.Text, 220))
	}

	if f := p.Hot.Focus; f != nil {
		b.WriteString("\nfocus: " + f.URL + "\n")
		if len(f.Path) > 0 {
			b.WriteString("path:\n")
			for _, s := range f.Path {
				fmt.Fprintf(&b, "  - @%s: %s\n", fallback(s.AuthorHandle, "unknown"), clip(s.Text, 180))
			}
		}
		if len(f.Branches) > 0 {
			b.WriteString("branches:\n")
			for _, s := range f.Branches {
				fmt.Fprintf(&b, "  - @%s: %s\n", fallback(s.AuthorHandle, "unknown"), clip(s.Text, 180))
			}
		}
	}

	b.WriteString("\n[COLD CONTEXT — past interactions / memory]\n")
	actor := p.Cold.Actor
	fmt.Fprintf(&b, "- Actor: @%s (%s)\n", actor.Handle, actor.DID)
	fmt.Fprintf(&b, "- First seen: %s\n", fallback(actor.FirstSeenAt, "unknown"))
	fmt.Fprintf(&b, "- Last interaction: %s\n", fallback(actor.LastSeenAt, "unknown"))
	fmt.Fprintf(&b, "- Total interactions: %d\n", actor.InteractionCount)
	if len(actor.Tags) > 0 {
		fmt.Fprintf(&b, "- Tags: %s\n", strings.Join(actor.Tags, ", "))
	}
	if actor.NotesManual != "" {
		fmt.Fprintf(&b, "- Notes (manual): %s\n", actor.NotesManual)
	}
	if actor.NotesAuto != "" {
		fmt.Fprintf(&b, "- Notes (auto): %s\n", actor.NotesAuto)
	}

	if len(p.Cold.Threads) > 0 {
		b.WriteString("\nLast shared threads (most recent first):\n")
		for _, t := range p.Cold.Threads {
			b.WriteString("\n• " + t.URL + "\n")
			if t.RootText != "" {
				fmt.Fprintf(&b, "  root: %s\n", clip(t.RootText, 300))
			}
			if t.LastUs != "" {
				fmt.Fprintf(&b, "  us:   %s\n", clip(t.LastUs, 260))
			}
			if t.LastThem != "" {
				fmt.Fprintf(&b, "  them: %s\n", clip(t.LastThem, 260))
			}
		}
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}

// clip flattens newlines and truncates to max runes with an ellipsis.
func clip(s string, max int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
