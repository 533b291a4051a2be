package collector

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	// KindSourceUnavailable means the upstream could not be reached or refused
	// the request. Retrying later may succeed.
	KindSourceUnavailable ErrorKind = "source_unavailable"
	// KindFormatChanged means the upstream answered with content that no
	// longer parses. It needs a code change, not a retry.
	KindFormatChanged ErrorKind = "format_changed"
	KindUnknownTool   ErrorKind = "unknown_tool"
)

type ToolError struct {
	Tool string
	Kind ErrorKind
	Err  error
}

func (e *ToolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("tool %s: %s", e.Tool, e.Kind)
	}
	return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Kind, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

func SourceUnavailable(tool string, err error) *ToolError {
	return &ToolError{Tool: tool, Kind: KindSourceUnavailable, Err: err}
}

func FormatChanged(tool string, err error) *ToolError {
	return &ToolError{Tool: tool, Kind: KindFormatChanged, Err: err}
}

// KindOf returns the kind of the first ToolError in err's chain, or "".
func KindOf(err error) ErrorKind {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr.Kind
	}
	return ""
}

// asToolError keeps a ToolError as is and classifies anything else from a
// fetch as the source being unavailable.
func asToolError(tool string, err error) *ToolError {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr
	}
	return SourceUnavailable(tool, err)
}
