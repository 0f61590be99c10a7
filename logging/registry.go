package logging

import (
	"regexp"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// LoggerPatternConfig sets the level of every registered logger whose name matches Pattern.
// Patterns are dot separated logger names where `*` matches any run of name characters,
// e.g. "stereocam.capture.*".
type LoggerPatternConfig struct {
	Pattern string `json:"pattern"`
	Level   string `json:"level"`
}

var (
	validPatternRegex   = regexp.MustCompile(`^[a-zA-Z0-9_\-*]+(\.[a-zA-Z0-9_\-*]+)*$`)
	globalLoggerRegistry = newLoggerRegistry()
)

type loggerRegistry struct {
	mu      sync.RWMutex
	loggers map[string]Logger
	config  []LoggerPatternConfig
}

func newLoggerRegistry() *loggerRegistry {
	return &loggerRegistry{loggers: map[string]Logger{}}
}

// getOrRegister returns the logger already registered under name, otherwise registers logger and
// applies any matching pattern configuration to it.
func (lr *loggerRegistry) getOrRegister(name string, logger Logger) Logger {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if existing, ok := lr.loggers[name]; ok {
		return existing
	}
	lr.loggers[name] = logger
	for _, cfg := range lr.config {
		if matchesPattern(cfg.Pattern, name) {
			if level, err := LevelFromString(cfg.Level); err == nil {
				logger.SetLevel(level)
			}
		}
	}
	return logger
}

func (lr *loggerRegistry) loggerNamed(name string) (Logger, bool) {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	logger, ok := lr.loggers[name]
	return logger, ok
}

func (lr *loggerRegistry) registeredNames() []string {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	names := make([]string, 0, len(lr.loggers))
	for name := range lr.loggers {
		names = append(names, name)
	}
	return names
}

func (lr *loggerRegistry) update(config []LoggerPatternConfig) error {
	for _, cfg := range config {
		if !validPatternRegex.MatchString(cfg.Pattern) {
			return errors.Errorf("invalid logger pattern %q", cfg.Pattern)
		}
		if _, err := LevelFromString(cfg.Level); err != nil {
			return errors.Wrapf(err, "logger pattern %q", cfg.Pattern)
		}
	}

	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.config = append([]LoggerPatternConfig(nil), config...)
	// later entries take precedence
	for name, logger := range lr.loggers {
		for _, cfg := range lr.config {
			if matchesPattern(cfg.Pattern, name) {
				level, _ := LevelFromString(cfg.Level)
				logger.SetLevel(level)
			}
		}
	}
	return nil
}

func matchesPattern(pattern, name string) bool {
	var sb strings.Builder
	sb.WriteString("^")
	for i, part := range strings.Split(pattern, "*") {
		if i > 0 {
			sb.WriteString(`[a-zA-Z0-9_\-.]*`)
		}
		sb.WriteString(regexp.QuoteMeta(part))
	}
	sb.WriteString("$")
	matched, err := regexp.MatchString(sb.String(), name)
	return err == nil && matched
}

// UpdateLoggerRegistry validates and installs the pattern configuration, then applies it to all
// registered loggers.
func UpdateLoggerRegistry(config []LoggerPatternConfig) error {
	return globalLoggerRegistry.update(config)
}

// LoggerNamed returns a registered logger by its full dotted name.
func LoggerNamed(name string) (Logger, bool) {
	return globalLoggerRegistry.loggerNamed(name)
}

// RegisteredLoggerNames returns the names of all registered loggers.
func RegisteredLoggerNames() []string {
	return globalLoggerRegistry.registeredNames()
}
