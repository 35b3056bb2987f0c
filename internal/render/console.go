// Package render prints report pages to a terminal.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/voicetime/internal/report"
)

const ruleWidth = 50

// Console prints pages with terminal colours. Colour is dropped
// automatically when w is not a terminal.
type Console struct {
	w      io.Writer
	rule   *color.Color
	title  *color.Color
	footer *color.Color
	empty  *color.Color
}

// NewConsole creates a console renderer
func NewConsole(w io.Writer) *Console {
	return &Console{
		w:      w,
		rule:   color.New(color.FgCyan),
		title:  color.New(color.FgCyan, color.Bold),
		footer: color.New(color.FgGreen),
		empty:  color.New(color.FgYellow),
	}
}

// Render prints every page in order.
func (c *Console) Render(pages []report.Page) error {
	rule := strings.Repeat("━", ruleWidth)

	for i, p := range pages {
		if _, err := c.rule.Fprintln(c.w, rule); err != nil {
			return err
		}
		if _, err := c.title.Fprintf(c.w, "🔊 %s 🔊\n", p.Title); err != nil {
			return err
		}
		if _, err := c.rule.Fprintln(c.w, rule); err != nil {
			return err
		}

		for _, line := range p.Lines {
			var err error
			if line == report.NoData {
				_, err = c.empty.Fprintln(c.w, line)
			} else {
				_, err = fmt.Fprintln(c.w, line)
			}
			if err != nil {
				return err
			}
		}

		if _, err := c.footer.Fprintf(c.w, "%s · page %d/%d\n\n", p.Footer, i+1, len(pages)); err != nil {
			return err
		}
	}
	return nil
}

// JSON writes pages as an indented JSON array.
func JSON(w io.Writer, pages []report.Page) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(pages); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}
