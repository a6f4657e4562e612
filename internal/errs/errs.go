// Package errs holds the error kinds a rule evaluation can fail with
// (spec §7). Each is a small struct satisfying error, following
// internal/pkg/admission/policy-server-error.go's
// PolicyServerNotReadyError / IsPolicyServerNotReady idiom: one type per
// kind, with an Is* predicate callers use instead of type-switching.
package errs

import "errors"

// ScriptParseError means the rule's source failed to load/compile. The
// rule is permanently unusable until its code is updated.
type ScriptParseError struct {
	Rule    string
	Message string
}

func (e *ScriptParseError) Error() string {
	return "rule " + e.Rule + ": script parse error: " + e.Message
}

func (e *ScriptParseError) ScriptParseError() bool { return true }

// IsScriptParseError reports whether err is a *ScriptParseError.
func IsScriptParseError(err error) bool {
	var e *ScriptParseError
	return errors.As(err, &e)
}

// ScriptRuntimeError means the script raised an uncaught exception during
// evaluation.
type ScriptRuntimeError struct {
	Rule    string
	Message string
}

func (e *ScriptRuntimeError) Error() string {
	return "rule " + e.Rule + ": script runtime error: " + e.Message
}

func (e *ScriptRuntimeError) ScriptRuntimeError() bool { return true }

// IsScriptRuntimeError reports whether err is a *ScriptRuntimeError.
func IsScriptRuntimeError(err error) bool {
	var e *ScriptRuntimeError
	return errors.As(err, &e)
}

// TimeoutError means the invocation exceeded its deadline and the
// runtime's watchdog interrupted it.
type TimeoutError struct {
	Rule           string
	TimeoutSeconds int32
}

func (e *TimeoutError) Error() string {
	return "rule " + e.Rule + ": timed out after timeoutSeconds"
}

func (e *TimeoutError) Timeout() bool { return true }

// IsTimeoutError reports whether err is a *TimeoutError.
func IsTimeoutError(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

// KubeClientError covers transport, auth, or non-404 API errors raised by
// a kubeGet/kubeList call. Forbidden distinguishes SA misconfiguration
// from transient failures.
type KubeClientError struct {
	Rule      string
	Message   string
	Forbidden bool
}

func (e *KubeClientError) Error() string {
	return "rule " + e.Rule + ": kube client error: " + e.Message
}

func (e *KubeClientError) KubeClientError() bool { return true }

// IsKubeClientError reports whether err is a *KubeClientError.
func IsKubeClientError(err error) bool {
	var e *KubeClientError
	return errors.As(err, &e)
}

// PatchApplyError means a MutatingRule's emitted patch did not apply
// cleanly to the evolving object; treated as a script bug.
type PatchApplyError struct {
	Rule    string
	Message string
}

func (e *PatchApplyError) Error() string {
	return "rule " + e.Rule + ": patch did not apply: " + e.Message
}

func (e *PatchApplyError) PatchApplyError() bool { return true }

// IsPatchApplyError reports whether err is a *PatchApplyError.
func IsPatchApplyError(err error) bool {
	var e *PatchApplyError
	return errors.As(err, &e)
}
