// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"sync"
)

// LogLevel is an RFC 5424 severity name as used by logging/setLevel and
// notifications/message.
type LogLevel string

// RFC 5424 levels, least to most severe.
const (
	LevelDebug     LogLevel = "debug"
	LevelInfo      LogLevel = "info"
	LevelNotice    LogLevel = "notice"
	LevelWarning   LogLevel = "warning"
	LevelError     LogLevel = "error"
	LevelCritical  LogLevel = "critical"
	LevelAlert     LogLevel = "alert"
	LevelEmergency LogLevel = "emergency"
)

var severities = map[LogLevel]int{
	LevelDebug:     0,
	LevelInfo:      1,
	LevelNotice:    2,
	LevelWarning:   3,
	LevelError:     4,
	LevelCritical:  5,
	LevelAlert:     6,
	LevelEmergency: 7,
}

// Valid reports whether l is one of the RFC 5424 level names.
func (l LogLevel) Valid() bool {
	_, ok := severities[l]
	return ok
}

// LogService holds the client-set minimum severity for notifications/message
// delivery.
type LogService struct {
	mu    sync.RWMutex
	level LogLevel
}

// NewLogService starts with the info level.
func NewLogService() *LogService {
	return &LogService{level: LevelInfo}
}

// SetLevel sets the minimum severity. Unknown levels are rejected.
func (s *LogService) SetLevel(l LogLevel) error {
	if !l.Valid() {
		return fmt.Errorf("unknown log level %q", l)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = l
	return nil
}

// Level returns the current minimum severity.
func (s *LogService) Level() LogLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.level
}

// Allows reports whether a message at level l passes the filter.
func (s *LogService) Allows(l LogLevel) bool {
	sev, ok := severities[l]
	if !ok {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sev >= severities[s.level]
}
