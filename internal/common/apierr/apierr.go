// Package apierr defines the typed error taxonomy shared by the orchestrator,
// the worker pool, and the external interface layer. Every boundary that
// surfaces an error to a client, a log line, or a persisted LogMessage goes
// through an *Error here so the wire Code and HTTP status stay stable and so
// credential material never leaks into a message.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the stable wire identifier for an error kind.
type Code string

const (
	CodeNotFound                   Code = "not_found"
	CodeInvalidRequest             Code = "invalid_request"
	CodeInvalidTransition          Code = "invalid_transition"
	CodeInvalidDependency          Code = "invalid_dependency"
	CodeWorkerUnavailable          Code = "worker_unavailable"
	CodeWorkspaceExists            Code = "workspace_exists"
	CodeWorkspaceNotFound          Code = "workspace_not_found"
	CodeVcs                        Code = "vcs_error"
	CodeAgentSpawn                 Code = "agent_spawn_error"
	CodeAgentTerminatedAbnormally  Code = "agent_terminated_abnormally"
	CodeInternal                   Code = "internal_error"
)

// httpStatus maps each Code to the status written by the HTTP/RPC layer.
var httpStatus = map[Code]int{
	CodeNotFound:                  http.StatusNotFound,
	CodeInvalidRequest:            http.StatusBadRequest,
	CodeInvalidTransition:         http.StatusConflict,
	CodeInvalidDependency:         http.StatusBadRequest,
	CodeWorkerUnavailable:         http.StatusServiceUnavailable,
	CodeWorkspaceExists:           http.StatusConflict,
	CodeWorkspaceNotFound:         http.StatusNotFound,
	CodeVcs:                       http.StatusBadGateway,
	CodeAgentSpawn:                http.StatusBadGateway,
	CodeAgentTerminatedAbnormally: http.StatusBadGateway,
	CodeInternal:                  http.StatusInternalServerError,
}

// Error is the typed error every component returns at its public boundary.
type Error struct {
	Code    Code
	Message string
	// Fields carries structured detail specific to the Code, e.g. {"entity":"UnitTask","id":"t1"}
	// for NotFound or {"task_id":"a","dependency_id":"b"} for InvalidDependency.
	Fields map[string]string
	cause  error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the status code the HTTP/RPC layer should write for e.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// As reports whether err (or something it wraps) is an *Error, mirroring errors.As.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// NotFound builds a CodeNotFound error for a missing entity.
func NotFound(entity, id string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s %q not found", entity, id),
		Fields:  map[string]string{"entity": entity, "id": id},
	}
}

// InvalidRequest builds a CodeInvalidRequest error naming the offending field.
func InvalidRequest(field, reason string) *Error {
	return &Error{
		Code:    CodeInvalidRequest,
		Message: fmt.Sprintf("%s: %s", field, reason),
		Fields:  map[string]string{"field": field, "reason": reason},
	}
}

// InvalidTransition builds a CodeInvalidTransition error for a rejected state change.
func InvalidTransition(entity, from, to string) *Error {
	return &Error{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("%s: cannot transition from %s to %s", entity, from, to),
		Fields:  map[string]string{"entity": entity, "from": from, "to": to},
	}
}

// InvalidDependency builds the S6 plan-validation error for a dangling or cyclic dependency.
func InvalidDependency(taskID, dependencyID string) *Error {
	return &Error{
		Code:    CodeInvalidDependency,
		Message: fmt.Sprintf("task %q depends on unknown or cyclic task %q", taskID, dependencyID),
		Fields:  map[string]string{"task_id": taskID, "dependency_id": dependencyID},
	}
}

// WorkerUnavailable reports that no worker can currently accept an assignment.
// Callers treat this as "stays in the ready set", not a hard failure.
func WorkerUnavailable(reason string) *Error {
	return &Error{Code: CodeWorkerUnavailable, Message: reason}
}

// WorkspaceExists reports a conflicting workspace allocation.
func WorkspaceExists(taskID string) *Error {
	return &Error{
		Code:    CodeWorkspaceExists,
		Message: fmt.Sprintf("workspace for task %q already allocated", taskID),
		Fields:  map[string]string{"task_id": taskID},
	}
}

// WorkspaceNotFound reports a missing workspace allocation.
func WorkspaceNotFound(taskID string) *Error {
	return &Error{
		Code:    CodeWorkspaceNotFound,
		Message: fmt.Sprintf("workspace for task %q not found", taskID),
		Fields:  map[string]string{"task_id": taskID},
	}
}

// Vcs wraps a git-shellout failure, sanitizing any credential left in the reason.
func Vcs(reason string) *Error {
	return &Error{Code: CodeVcs, Message: Sanitize(reason)}
}

// AgentSpawn wraps a failure to start an agent process, sanitizing the reason.
func AgentSpawn(reason string) *Error {
	return &Error{Code: CodeAgentSpawn, Message: Sanitize(reason)}
}

// AgentTerminatedAbnormally reports a non-zero or signal exit from an agent process.
func AgentTerminatedAbnormally(exitCode int) *Error {
	return &Error{
		Code:    CodeAgentTerminatedAbnormally,
		Message: fmt.Sprintf("agent process exited abnormally (code %d)", exitCode),
		Fields:  map[string]string{"exit_code": fmt.Sprintf("%d", exitCode)},
	}
}

// Internal wraps an unexpected error. The caller is responsible for logging
// cause with a correlation id; Message is the only part exposed to clients.
func Internal(cause error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", cause: cause}
}
