// Package notify delivers alert notifications.
package notify

import (
	"context"
	"log"
	"os"
	"sort"
	"strings"
)

// LogDispatcher writes alerts to a logger. It never fails.
type LogDispatcher struct {
	logger *log.Logger
}

// NewLogDispatcher returns a dispatcher writing to logger, or stdout when nil.
func NewLogDispatcher(logger *log.Logger) *LogDispatcher {
	if logger == nil {
		logger = log.New(os.Stdout, "alert ", log.LstdFlags|log.Lmicroseconds)
	}
	return &LogDispatcher{logger: logger}
}

// Dispatch logs the alert.
func (d *LogDispatcher) Dispatch(_ context.Context, title, body string, metadata map[string]string) error {
	d.logger.Printf("%s: %s%s", title, body, formatMetadata(metadata))
	return nil
}

func formatMetadata(metadata map[string]string) string {
	if len(metadata) == 0 {
		return ""
	}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(" [")
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(metadata[k])
	}
	b.WriteByte(']')
	return b.String()
}
