package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// ConfigError is a configuration problem, with the source position when
// CUE knows it.
type ConfigError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *ConfigError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// fromCUE converts the first CUE error into a ConfigError. User file
// positions win over positions inside the embedded schema.
func fromCUE(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	field := strings.Join(first.Path(), ".")
	if field == "" {
		field = "config"
	}
	format, args := first.Msg()
	out := &ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}

	for _, pos := range errors.Positions(first) {
		if !pos.IsValid() {
			continue
		}
		if pos.Filename() != schemaFilename {
			out.Pos = pos
			break
		}
		if !out.Pos.IsValid() {
			out.Pos = pos
		}
	}
	return out
}
