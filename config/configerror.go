package config

import (
	"errors"
	"fmt"
	"log/slog"

	slogkit "github.com/italypaleale/tunequeue/slog"
)

// ConfigError is returned when the configuration can't be loaded or is invalid.
// When it's returned at startup, the app should log it with LogFatal and exit.
type ConfigError struct {
	err      error
	msg      string
	property string
}

// NewConfigError returns a new ConfigError.
// The err argument can be an error, a string, or a fmt.Stringer.
func NewConfigError(err any, msg string) *ConfigError {
	var inner error
	switch x := err.(type) {
	case error:
		inner = x
	case string:
		inner = errors.New(x)
	case fmt.Stringer:
		inner = errors.New(x.String())
	case nil:
		inner = errors.New("")
	default:
		// Indicates a development-time error
		panic("Invalid type for parameter 'err'")
	}
	return &ConfigError{
		err: inner,
		msg: msg,
	}
}

// invalidPropertyError returns a ConfigError for a config property with an invalid value.
// The property is the dotted path in the YAML file, such as "provider.endpoint".
func invalidPropertyError(property string, problem string) *ConfigError {
	return &ConfigError{
		err:      errors.New("Property '" + property + "' " + problem),
		msg:      "Invalid configuration",
		property: property,
	}
}

// Error implements the error interface
func (e ConfigError) Error() string {
	return e.err.Error() + ": " + e.msg
}

// Unwrap returns the error that caused the ConfigError, such as the YAML decoding error.
func (e ConfigError) Unwrap() error {
	return e.err
}

// Message returns the summary of the error, such as "Invalid configuration".
func (e ConfigError) Message() string {
	return e.msg
}

// Property returns the dotted path of the config property that is invalid.
// It's empty if the error isn't about a single property.
func (e ConfigError) Property() string {
	return e.property
}

// LogFatal logs the error and terminates the process.
func (e ConfigError) LogFatal(log *slog.Logger) {
	if e.property != "" {
		log = log.With(slog.String("property", e.property))
	}
	slogkit.FatalError(log, e.msg, e.err)
}
