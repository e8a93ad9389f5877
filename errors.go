package durable

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/goliatone/go-durable/ess"
	"github.com/goliatone/go-durable/keys"
	"github.com/goliatone/go-durable/oki"
	apperrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

const (
	CodeWorkflowNotFound           = "WORKFLOW_NOT_FOUND"
	CodeWorkflowAlreadyTerminal    = "WORKFLOW_ALREADY_TERMINAL"
	CodeWorkflowNotTerminal        = "WORKFLOW_NOT_TERMINAL"
	CodeActivityRetryLimit         = "ACTIVITY_RETRY_LIMIT"
	CodeDeterministicMismatch      = "DETERMINISTIC_MISMATCH"
	CodeLeaseLost                  = "LEASE_LOST"
	CodeSignalTargetMissing        = "SIGNAL_TARGET_MISSING"
	CodeUnknownWorkflow            = "UNKNOWN_WORKFLOW"
	CodeUnknownActivity            = "UNKNOWN_ACTIVITY"
	CodeInvalidTags                = "INVALID_TAGS"
	CodeInvalidInput               = "INVALID_INPUT"
	CodeRegistryAlreadyInitialized = "REGISTRY_ALREADY_INITIALIZED"
	CodeRegistryNotInitialized     = "REGISTRY_NOT_INITIALIZED"
	CodeDuplicateRegistration      = "DUPLICATE_REGISTRATION"
	CodeSubWorkflowFailed          = "SUB_WORKFLOW_FAILED"
	CodeSuspended                  = "WORKFLOW_SUSPENDED"
	CodeCancelled                  = "CANCELLED"
	CodePanic                      = "PANIC"

	CodeESSTainted         = ess.CodeTainted
	CodeESSMigrationLocked = ess.CodeMigrationLocked
	CodeOKIConflict        = oki.CodeConflict
	CodeKeyDecode          = keys.CodeKeyDecode
)

var (
	ErrWorkflowNotFound = apperrors.New("workflow not found", apperrors.CategoryNotFound).
				WithTextCode(CodeWorkflowNotFound)
	ErrWorkflowAlreadyTerminal = apperrors.New("workflow already terminal", apperrors.CategoryConflict).
					WithTextCode(CodeWorkflowAlreadyTerminal)
	ErrWorkflowNotTerminal = apperrors.New("workflow not terminal", apperrors.CategoryConflict).
				WithTextCode(CodeWorkflowNotTerminal)
	ErrDeterministicMismatch = apperrors.New("history diverges from workflow code", apperrors.CategoryOperation).
					WithTextCode(CodeDeterministicMismatch)
	ErrLeaseLost = apperrors.New("workflow lease lost", apperrors.CategoryConflict).
			WithTextCode(CodeLeaseLost)
	ErrSignalTargetMissing = apperrors.New("signal target not found", apperrors.CategoryNotFound).
				WithTextCode(CodeSignalTargetMissing)
	ErrUnknownWorkflow = apperrors.New("unknown workflow", apperrors.CategoryNotFound).
				WithTextCode(CodeUnknownWorkflow)
	ErrUnknownActivity = apperrors.New("unknown activity", apperrors.CategoryNotFound).
				WithTextCode(CodeUnknownActivity)
	ErrInvalidTags = apperrors.New("invalid tags", apperrors.CategoryValidation).
			WithTextCode(CodeInvalidTags)
	ErrInvalidInput = apperrors.New("invalid input", apperrors.CategoryBadInput).
			WithTextCode(CodeInvalidInput)
	ErrRegistryAlreadyInitialized = apperrors.New("registry already initialized", apperrors.CategoryConflict).
					WithTextCode(CodeRegistryAlreadyInitialized)
	ErrRegistryNotInitialized = apperrors.New("registry not initialized", apperrors.CategoryBadInput).
					WithTextCode(CodeRegistryNotInitialized)
	ErrDuplicateRegistration = apperrors.New("name already registered", apperrors.CategoryConflict).
					WithTextCode(CodeDuplicateRegistration)

	ErrWorkflowCancelled = apperrors.New("workflow cancelled", apperrors.CategoryOperation).
				WithTextCode(CodeCancelled)

	// ErrSuspended is returned by every primitive that parks the workflow.
	// Workflow code must return it unchanged.
	ErrSuspended = apperrors.New("workflow suspended", apperrors.CategoryOperation).
			WithTextCode(CodeSuspended)
)

func cloneError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrInvalidInput
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the text code carried by err, or "".
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// HasCode reports whether any error in err's chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var ge *apperrors.Error
		if !stderrors.As(err, &ge) {
			return false
		}
		if ge.TextCode == code {
			return true
		}
		err = ge.Source
	}
	return false
}

// IsSuspended reports whether err parks the workflow.
func IsSuspended(err error) bool {
	return HasCode(err, CodeSuspended)
}

// ActivityError is returned to workflow code once an activity has used its
// whole retry budget. Propagating it fails the workflow.
type ActivityError struct {
	Activity  string
	Attempts  int
	LastError string
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s failed after %d attempts: %s", e.Activity, e.Attempts, e.LastError)
}

func (e *ActivityError) Unwrap() error {
	return cloneError(ErrActivityRetryLimit, "", nil, map[string]any{
		"activity": e.Activity,
		"attempts": e.Attempts,
	})
}

// ErrActivityRetryLimit is the coded form of ActivityError.
var ErrActivityRetryLimit = apperrors.New("activity retry limit reached", apperrors.CategoryOperation).
	WithTextCode(CodeActivityRetryLimit)

// SubWorkflowError reports a child that ended Failed or Dead.
type SubWorkflowError struct {
	WorkflowID uuid.UUID
	Name       string
	State      keys.WorkflowState
	Message    string
}

func (e *SubWorkflowError) Error() string {
	return fmt.Sprintf("sub-workflow %s (%s) ended %s: %s", e.Name, e.WorkflowID, e.State, e.Message)
}

func (e *SubWorkflowError) Unwrap() error {
	return cloneError(errSubWorkflowFailed, "", nil, map[string]any{
		"workflow_id": e.WorkflowID.String(),
		"state":       string(e.State),
	})
}

var errSubWorkflowFailed = apperrors.New("sub-workflow failed", apperrors.CategoryOperation).
	WithTextCode(CodeSubWorkflowFailed)

func mismatchError(loc fmt.Stringer, expected, found string) *apperrors.Error {
	return cloneError(ErrDeterministicMismatch, "", nil, map[string]any{
		"location": loc.String(),
		"expected": expected,
		"found":    found,
	})
}

func notFoundError(id uuid.UUID) *apperrors.Error {
	return cloneError(ErrWorkflowNotFound, "", nil, map[string]any{"workflow_id": id.String()})
}

func signalTargetMissing(id uuid.UUID, signal string) *apperrors.Error {
	return cloneError(ErrSignalTargetMissing, "", nil, map[string]any{
		"workflow_id": id.String(),
		"signal":      signal,
	})
}
