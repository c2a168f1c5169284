package contract

import "errors"

var (
	ErrModelInvoke      = errors.New("model invoke failed")
	ErrDecisionParse    = errors.New("model decision violates expected shape")
	ErrInvalidArguments = errors.New("tool arguments violate input schema")
	ErrToolTimeout      = errors.New("tool invocation timed out")
	ErrToolExecution    = errors.New("tool execution failed")
	ErrIndexUnavailable = errors.New("vector index unavailable")
	ErrLoopDetected     = errors.New("identical consecutive tool call")
	ErrBudgetExceeded   = errors.New("iteration budget exceeded")
	ErrSessionBusy      = errors.New("session has an active run")
	ErrCancelled        = errors.New("run cancelled")
	ErrValidation       = errors.New("validation failed")
)
