package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var colorProfileOnce sync.Once

var (
	timeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	msgStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("117"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	sepStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	blockStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("245")).Padding(0, 1)
)

func shouldPrettyPrint() bool {
	term := strings.TrimSpace(os.Getenv("TERM"))
	if term == "" || term == "dumb" {
		return false
	}
	return os.Getenv("NO_COLOR") == ""
}

// FormatEventANSI renders event for a color terminal. JSON-shaped fields are
// boxed below the header line.
func FormatEventANSI(event Event) string {
	colorProfileOnce.Do(func() {
		lipgloss.SetColorProfile(termenv.TrueColor)
	})

	label, badge := levelBadge(event.Level)
	line := lipgloss.JoinHorizontal(lipgloss.Center,
		timeStyle.Render(event.Time.Format("15:04:05.000")), " ",
		badge.Render(label), " ",
		msgStyle.Render(event.Message),
	)

	inline := []string{}
	blocks := []string{}
	for _, key := range orderedFieldKeys(event.Fields) {
		head := keyStyle.Render(key) + sepStyle.Render("=")
		if block, ok := jsonBlock(event.Fields[key]); ok {
			blocks = append(blocks, head+"\n"+blockStyle.Render(block))
			continue
		}
		inline = append(inline, head+valueStyle.Render(formatFieldValue(event.Fields[key])))
	}
	if len(inline) > 0 {
		line += "  " + strings.Join(inline, " ")
	}
	for _, block := range blocks {
		line += "\n  " + block
	}
	return line + "\n"
}

func levelBadge(level slog.Level) (string, lipgloss.Style) {
	base := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	switch {
	case level <= slog.LevelDebug:
		return "DEBUG", base.Foreground(lipgloss.Color("255")).Background(lipgloss.Color("240"))
	case level <= slog.LevelInfo:
		return "INFO", base.Foreground(lipgloss.Color("230")).Background(lipgloss.Color("31"))
	case level <= slog.LevelWarn:
		return "WARN", base.Foreground(lipgloss.Color("234")).Background(lipgloss.Color("214"))
	default:
		return "ERROR", base.Foreground(lipgloss.Color("231")).Background(lipgloss.Color("160"))
	}
}
