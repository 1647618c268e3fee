package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"autopilot/internal/loop"
	"autopilot/internal/task"
)

// Printer is a loop observer that writes one styled line per event.
type Printer struct {
	w       io.Writer
	styles  Styles
	verbose bool
}

// NewPrinter builds a printer. Non-verbose printers skip the paused
// and resumed events.
func NewPrinter(w io.Writer, verbose bool) *Printer {
	return &Printer{w: w, styles: DefaultStyles(), verbose: verbose}
}

func (p *Printer) HandleEvent(e loop.Event) {
	line := p.render(e)
	if line == "" {
		return
	}
	stamp := p.styles.Muted.Render(e.Time.Format("15:04:05"))
	fmt.Fprintf(p.w, "%s %s\n", stamp, line)
}

func (p *Printer) render(e loop.Event) string {
	s := p.styles
	switch e.Kind {
	case loop.EventStarted:
		return s.Title.Render("loop started")
	case loop.EventStopped:
		return s.Title.Render("loop stopped")
	case loop.EventPaused, loop.EventResumed:
		if !p.verbose {
			return ""
		}
		return s.Muted.Render("loop " + e.Kind.String())
	case loop.EventTaskAssigned:
		return fmt.Sprintf("%s task %s → session %s",
			s.Warning.Render(IconRunning), s.TaskID.Render(short(e.TaskID)), s.Session.Render(e.SessionID))
	case loop.EventTaskCompleted:
		return fmt.Sprintf("%s task %s completed",
			s.Success.Render(IconSuccess), s.TaskID.Render(short(e.TaskID)))
	case loop.EventTaskFailed:
		return fmt.Sprintf("%s task %s failed: %s",
			s.Error.Render(IconFailed), s.TaskID.Render(short(e.TaskID)), e.Message)
	case loop.EventTaskGenerated:
		if !p.verbose {
			return ""
		}
		return s.Muted.Render("generated filler task " + short(e.TaskID))
	case loop.EventError:
		return s.Error.Render("error: " + e.Message)
	default:
		return ""
	}
}

// TaskList renders one line per task: status icon, short ID, prompt.
func TaskList(tasks []*task.Task) string {
	s := DefaultStyles()
	var b strings.Builder
	for _, t := range tasks {
		icon := s.StatusStyle(t.Status).Render(StatusIcon(t.Status))
		fmt.Fprintf(&b, "%s %s %s\n", icon, s.TaskID.Render(short(t.ID)), t.Prompt)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Summary renders the end-of-run box.
func Summary(stats loop.Stats) string {
	s := DefaultStyles()
	elapsed := time.Duration(0)
	if !stats.StartedAt.IsZero() && !stats.LastCheckAt.IsZero() {
		elapsed = stats.LastCheckAt.Sub(stats.StartedAt).Round(time.Second)
	}
	body := fmt.Sprintf("%s\n\n%s completed  %s failed  %s generated\nelapsed %s across %d sessions",
		s.Title.Render("autopilot run"),
		s.Success.Render(fmt.Sprintf("%d", stats.TasksCompleted)),
		s.Error.Render(fmt.Sprintf("%d", stats.Tasks.Failed)),
		s.Muted.Render(fmt.Sprintf("%d", stats.TasksGenerated)),
		elapsed, stats.Sessions)
	return s.Border.Padding(0, 1).Render(body)
}

// short trims a UUID to its leading group for display.
func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
