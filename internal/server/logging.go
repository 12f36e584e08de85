// Package server configures log output and the address-redaction policy
// shared by every component that mentions a client in its log lines.
package server

import (
	"bytes"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

const redactedPlaceholder = "[REDACTED]"

// sensitive returns the address as-is, or a placeholder when safe mode is
// enabled. Every log line that mentions a client address goes through it.
func sensitive(addr string) string {
	if currentConfig().SafeMode {
		return redactedPlaceholder
	}
	return addr
}

// RelayFormatter renders log entries as a timestamped line with any fields
// appended in parentheses.
type RelayFormatter struct {
}

// Format implements logrus.Formatter.
func (f *RelayFormatter) Format(e *log.Entry) ([]byte, error) {
	t := time.Now()
	data := bytes.NewBuffer(make([]byte, 0, 128))
	for k, v := range e.Data {
		if data.Len() > 0 {
			data.WriteString(" ")
		}
		data.WriteString(fmt.Sprintf("%s=%v", k, v))
	}

	var msg string
	if data.Len() > 0 {
		msg = fmt.Sprintf("[%s] %s (%s)\n", t.Format("2006-01-02 15:04:05"), e.Message, data)
	} else {
		msg = fmt.Sprintf("[%s] %s\n", t.Format("2006-01-02 15:04:05"), e.Message)
	}
	return []byte(msg), nil
}

// InitLogging installs the relay log formatter and verbosity level.
func InitLogging(debug bool) {
	log.SetFormatter(&RelayFormatter{})
	if debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}
