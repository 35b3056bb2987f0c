package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

const maxLineSize = 64 * 1024

// JSONLinesSource reads one PresenceTransition per line.
type JSONLinesSource struct {
	r      io.Reader
	logger zerolog.Logger
}

// NewJSONLinesSource wraps r.
func NewJSONLinesSource(r io.Reader, logger zerolog.Logger) *JSONLinesSource {
	return &JSONLinesSource{
		r:      r,
		logger: logger.With().Str("component", "gateway-source").Logger(),
	}
}

// Run calls fn for every well-formed event until r is exhausted, ctx is done
// or fn fails. Malformed lines are logged and skipped.
func (s *JSONLinesSource) Run(ctx context.Context, fn func(PresenceTransition) error) error {
	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)

	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++

		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var ev PresenceTransition
		if err := json.Unmarshal([]byte(text), &ev); err != nil {
			s.logger.Warn().Err(err).Int("line", line).Msg("Skipping malformed presence event")
			continue
		}
		if ev.UserID == "" {
			s.logger.Warn().Int("line", line).Msg("Skipping presence event without user_id")
			continue
		}

		if err := fn(ev); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read presence events: %w", err)
	}
	return nil
}
