package logs

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/agent-racer/pitwall/internal/session"
)

func entries(n int) []session.LogEntry {
	out := make([]session.LogEntry, n)
	for i := range out {
		out[i] = session.LogEntry{Time: time.Now(), Source: "stdout", Text: fmt.Sprintf("line %d", i)}
	}
	return out
}

func TestEmptyPane(t *testing.T) {
	m := New(80, 10)
	if !strings.Contains(m.View(), "No output yet") {
		t.Errorf("empty pane rendered %q", m.View())
	}
}

func TestFollowsNewLines(t *testing.T) {
	m := New(80, 5)
	m.SetEntries(entries(50))
	if !strings.Contains(m.View(), "line 49") {
		t.Error("newest line not visible while following")
	}
	m.SetEntries(entries(60))
	if !strings.Contains(m.View(), "line 59") {
		t.Error("pane did not follow appended lines")
	}
}

func TestScrollPausesFollow(t *testing.T) {
	m := New(80, 5)
	m.SetEntries(entries(50))

	m.ScrollUp(10)
	if m.Following() {
		t.Fatal("still following after scrolling up")
	}
	offset := m.Offset()
	m.SetEntries(entries(70))
	if m.Offset() != offset {
		t.Errorf("offset moved from %d to %d while paused", offset, m.Offset())
	}
	if !strings.Contains(m.View(), "paused") {
		t.Error("paused indicator missing")
	}

	m.ScrollDown(1000)
	if !m.Following() {
		t.Error("scrolling to the bottom did not resume following")
	}
}

func TestGotoBottom(t *testing.T) {
	m := New(80, 5)
	m.SetEntries(entries(30))
	m.ScrollUp(3)
	m.GotoBottom()
	if !m.Following() {
		t.Error("GotoBottom did not resume following")
	}
}

func TestShortContentStaysFollowing(t *testing.T) {
	m := New(80, 20)
	m.SetEntries(entries(3))
	m.ScrollUp(2)
	if !m.Following() {
		t.Error("content shorter than the pane cannot be scrolled away from the bottom")
	}
}
