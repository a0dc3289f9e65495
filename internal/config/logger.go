package config

import (
	"reflect"
	"strings"
)

// Logger is the capability set required of the logger setting.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Fatal(msg string, args ...any)
	Close() error
}

var loggerCapabilities = []string{"Debug", "Info", "Warn", "Error", "Fatal", "Close"}

// validateLogger probes v for each capability by name first, so the error
// names the missing operation, then requires the exact Logger signatures.
func validateLogger(v any) (Logger, error) {
	var t reflect.Type
	if v != nil {
		t = reflect.TypeOf(v)
	}
	for _, m := range loggerCapabilities {
		if t == nil {
			return nil, missingCapability(v, m)
		}
		if _, ok := t.MethodByName(m); !ok {
			return nil, missingCapability(v, m)
		}
	}
	l, ok := v.(Logger)
	if !ok {
		return nil, newError("logger", ErrTypeMismatch, "logger=%T has logger methods with unexpected signatures", v)
	}
	return l, nil
}

func missingCapability(v any, method string) error {
	return newError("logger", ErrCapabilityMissing, "logger=%T does not respond to method=%s", v, strings.ToLower(method))
}
