package logger

import (
	os "os"
	"time"

	"github.com/charmbracelet/lipgloss"
	log "github.com/charmbracelet/log"
)

// New creates a new logger instance writing to output
func New(output *os.File) *log.Logger {
	// Set log level from environment variable
	level := os.Getenv("LOG_LEVEL")

	logger := log.NewWithOptions(output, log.Options{
		ReportCaller:    level == "debug",
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
	})

	styles := log.DefaultStyles()
	styles.Prefix = lipgloss.NewStyle().Bold(true).Faint(false)
	logger.SetStyles(styles)

	if level != "" {
		level, err := log.ParseLevel(level)
		if err == nil {
			logger.SetLevel(level)
		}
	}
	return logger
}

// SetLevel applies a level name such as "debug" to l. Unknown names leave
// the level untouched and report false.
func SetLevel(l *log.Logger, name string) bool {
	level, err := log.ParseLevel(name)
	if err != nil {
		return false
	}
	l.SetLevel(level)
	return true
}
