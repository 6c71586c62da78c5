package agentstart

import (
	"errors"
	"fmt"
)

// Sentinel errors for the RPC surface. Handlers map these to wire codes
// (NOT_FOUND, FORBIDDEN, UNAUTHORIZED); everything else is
// INTERNAL_SERVER_ERROR.
var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

// ErrSchema reports an operation against a model the adapter does not know.
type ErrSchema struct {
	Model string
}

func (e *ErrSchema) Error() string {
	return fmt.Sprintf("schema missing: unknown model %q", e.Model)
}

// ErrField reports a reference to a field the model's schema does not have.
type ErrField struct {
	Model string
	Field string
}

func (e *ErrField) Error() string {
	return fmt.Sprintf("field missing: %s has no field %q", e.Model, e.Field)
}

// ErrConflict reports a primary-key conflict on create.
type ErrConflict struct {
	Model string
	ID    string
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("conflict: %s id %q already exists", e.Model, e.ID)
}

// ErrLLM reports a provider-side failure: a request that could not be
// built, sent, or decoded.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("llm %s: %s", e.Provider, e.Message)
}

// ErrHTTP reports a non-2xx response from a provider API.
type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrSandbox reports a sandbox lifecycle violation.
type ErrSandbox struct {
	Reason string // "not_initialized", "not_configured", "expired"
}

func (e *ErrSandbox) Error() string {
	return "sandbox " + e.Reason
}

// ErrSandboxNotInitialized is returned by operations after Stop().
func ErrSandboxNotInitialized() error { return &ErrSandbox{Reason: "not_initialized"} }

// ErrSandboxNotConfigured is returned by sandbox tools when the host
// supplied no provisioner.
func ErrSandboxNotConfigured() error { return &ErrSandbox{Reason: "not_configured"} }
