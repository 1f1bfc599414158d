// Package colog is the log_printf abstraction from §7 of the spec: every
// log line goes to the system log (logrus) and, when a gateway client is
// attached, is also mirrored to the gateway's log channel with a
// "YYYY-MM-DD HH:MM:SS" timestamp prefix.
package colog

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Sink receives a fully formatted log line for gateway mirroring.
// Implemented by the active gateway session; nil when no client is
// attached.
type Sink func(line string)

var (
	mu   sync.RWMutex
	sink Sink
)

// SetGatewaySink installs (or clears, with nil) the gateway mirror.
func SetGatewaySink(s Sink) {
	mu.Lock()
	defer mu.Unlock()
	sink = s
}

func mirror(line string) {
	mu.RLock()
	s := sink
	mu.RUnlock()
	if s == nil {
		return
	}
	s(fmt.Sprintf("%s %s", time.Now().Format("2006-01-02 15:04:05"), line))
}

func Debugf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	log.Debug(line)
	mirror("DEBUG " + line)
}

func Infof(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	log.Info(line)
	mirror("INFO " + line)
}

func Warnf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	log.Warn(line)
	mirror("WARN " + line)
}

func Errorf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	log.Error(line)
	mirror("ERROR " + line)
}

// Critf logs at CRIT level and is reserved for fatal startup failures
// that abort the process with exit code 1.
func Critf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	log.WithField("severity", "CRIT").Error(line)
	mirror("CRIT " + line)
}
