// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"errors"
	"fmt"
)

// Kind is the error taxonomy from the error handling design: a small
// closed set of reasons a workflow or component operation can fail,
// independent of the Go error message wrapping it.
type Kind string

const (
	KindInvalidInput    Kind = "invalid_input"
	KindDuplicateTool    Kind = "duplicate_tool"
	KindInvalidSchema    Kind = "invalid_schema"
	KindUnknownTool      Kind = "unknown_tool"
	KindUnknownAgent     Kind = "unknown_agent"
	KindIllegalHandoff   Kind = "illegal_handoff"
	KindToolExecution    Kind = "tool_execution_error"
	KindMCPUnavailable   Kind = "mcp_unavailable"
	KindMCPTimeout       Kind = "mcp_timeout"
	KindUpstreamError    Kind = "upstream_error"
	KindIterationLimit   Kind = "iteration_limit"
	KindHandoffLimit     Kind = "handoff_limit"
	KindDeadline         Kind = "deadline"
	KindCancelled        Kind = "cancelled"
	KindDecodeError      Kind = "decode_error"
)

// Error is the sentinel-wrapped error type every package in this module
// returns for a classified failure. Kind is stable and comparable with
// errors.Is via KindOf; Err (if set) is the underlying cause and is
// unwrapped normally.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error with the same Kind, so callers
// can write errors.Is(err, core.NewError("", core.KindUnknownTool, nil))
// or more idiomatically use KindOf(err) == core.KindUnknownTool.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// NewError constructs a classified Error.
func NewError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the Kind carried by err, walking the unwrap chain.
// Returns "" if err does not wrap a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
