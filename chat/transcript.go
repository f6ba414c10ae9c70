package chat

import (
	"slices"
	"sync"
	"time"
)

// Transcript renders messages as plain text lines of the form
// "HH:MM You: text" or "HH:MM Agent: text". Each Render replaces the
// previous lines, so rendering the same list twice yields the same lines.
type Transcript struct {
	loc      *time.Location
	onChange func(lines []string)

	mu    sync.Mutex
	lines []string
}

// NewTranscript formats times in loc (nil means local time). onChange, if
// set, is called with the full line set whenever it differs from the last
// render.
func NewTranscript(loc *time.Location, onChange func(lines []string)) *Transcript {
	if loc == nil {
		loc = time.Local
	}
	return &Transcript{loc: loc, onChange: onChange}
}

// Render implements Renderer.
func (t *Transcript) Render(messages []Message) {
	lines := make([]string, len(messages))
	for i, m := range messages {
		lines[i] = FormatLine(m, t.loc)
	}

	t.mu.Lock()
	changed := !slices.Equal(t.lines, lines)
	t.lines = lines
	t.mu.Unlock()

	if changed && t.onChange != nil {
		t.onChange(append([]string(nil), lines...))
	}
}

// Lines returns the most recently rendered lines.
func (t *Transcript) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

// FormatLine renders one message.
func FormatLine(m Message, loc *time.Location) string {
	stamp := "--:--"
	if !m.CreatedAt.IsZero() {
		stamp = m.CreatedAt.In(loc).Format("15:04")
	}
	who := "Agent"
	if m.Sender == SenderLocal {
		who = "You"
	}
	return stamp + " " + who + ": " + m.Text
}
