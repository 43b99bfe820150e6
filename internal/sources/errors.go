package sources

import (
	"errors"
	"fmt"
)

// Sentinel causes carried by ConfigError.
var (
	ErrParse      = errors.New("sources document is not valid JSON")
	ErrMissingKey = errors.New("sources document is missing a required key")
	ErrBadPattern = errors.New("sources document has an invalid exclude pattern")
)

// ConfigError reports a failure to load or parse the sources document.
type ConfigError struct {
	Path string
	Op   string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("sources %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
