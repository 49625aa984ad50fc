package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/Paintersrp/jobvisor/internal/engine"
)

// LogRecord represents a structured log event ready for JSON encoding.
type LogRecord struct {
	Timestamp time.Time `json:"ts"`
	Job       string    `json:"job"`
	Replica   int       `json:"replica"`
	Level     string    `json:"level"`
	Message   string    `json:"msg"`
	Source    string    `json:"source"`
}

// NewLogRecord converts an engine event into a structured log record, masking
// the job's env values through r.
func NewLogRecord(event engine.Event, r *Redactor) LogRecord {
	level := event.Level
	if level == "" {
		if inferred := inferLogLevel(event.Message); inferred != "" {
			level = inferred
		} else {
			level = "info"
		}
	}
	source := event.Source
	if source == "" {
		source = engine.LogSourceSystem
	}
	return LogRecord{
		Timestamp: event.Timestamp,
		Job:       event.Job,
		Replica:   event.Replica,
		Level:     level,
		Message:   r.Redact(event.Job, event.Message),
		Source:    source,
	}
}

var levelTokenPattern = regexp.MustCompile(`(?i)\b(error|warn|info)\b`)

func inferLogLevel(message string) string {
	matches := levelTokenPattern.FindStringSubmatch(message)
	if len(matches) < 2 {
		return ""
	}
	switch strings.ToLower(matches[1]) {
	case "error":
		return "error"
	case "warn":
		return "warn"
	case "info":
		return "info"
	default:
		return ""
	}
}

// EncodeLogEvent encodes a log event to JSON, reporting errors to stderr if needed.
func EncodeLogEvent(enc *json.Encoder, stderr io.Writer, event engine.Event, r *Redactor) {
	if enc == nil {
		return
	}
	record := NewLogRecord(event, r)
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if err := enc.Encode(&record); err != nil {
		fmt.Fprintf(stderr, "error: encode log: %v\n", err)
	}
}

// FormatLogLine renders a log event as "job[replica] | message".
func FormatLogLine(event engine.Event, r *Redactor) string {
	record := NewLogRecord(event, r)
	prefix := fmt.Sprintf("%s[%d]", record.Job, record.Replica)
	if record.Source == engine.LogSourceSystem {
		prefix += " (" + record.Level + ")"
	}
	return prefix + " | " + record.Message
}
