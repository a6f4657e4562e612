/*

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package sandbox is the Script Host (C1): it embeds a goja JavaScript
// runtime, registers the host ABI described in spec.md §4.1, and runs one
// script per invocation behind a wall-clock deadline.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dop251/goja"

	checkpointv1 "github.com/devsisters/checkpoint/api/v1"
	"github.com/devsisters/checkpoint/internal/errs"
)

// DefaultAdmissionTimeout is the timeoutSeconds default for admission
// rules (spec.md §4.1.3).
const DefaultAdmissionTimeout = 5 * time.Second

// DefaultCronTimeout is the timeoutSeconds default for cron policies
// (spec.md §4.6.4).
const DefaultCronTimeout = 30 * time.Second

// KubeReader is the read surface C1 needs from C2. kubeclient.Gateway
// satisfies it; sandbox depends only on this narrow interface so the two
// packages don't need to import one another.
type KubeReader interface {
	// Get fetches one object. A nil map with a nil error means not found.
	Get(ctx context.Context, sa *checkpointv1.ServiceAccountReference, group, version, kind, namespace, name string) (map[string]any, error)
	// List fetches a Kubernetes list object (group/version/kind plural).
	List(ctx context.Context, sa *checkpointv1.ServiceAccountReference, group, version, kind, namespace, labelSelector, fieldSelector string) (map[string]any, error)
}

// Invocation is everything one script evaluation needs. Exactly one of
// AdmissionRequest/Resources is populated, matching spec.md §4.1.1's
// "admissionRequest ... null for cron use" / "resources ... null for
// admission use".
type Invocation struct {
	RuleName         string
	Code             string
	TimeoutSeconds   int32
	ServiceAccount   *checkpointv1.ServiceAccountReference
	AdmissionRequest any
	Resources        [][]any
	Reader           KubeReader
	Logger           *slog.Logger
	// Mutating allows the script to call mutate/allowAndMutate. It is
	// false for ValidatingRule invocations, so a script bug there can
	// set a deny reason but never a patch.
	Mutating bool
}

// Result is the host-side view of one invocation's outcome: the final
// verdict plus whatever the script wrote to output (cron use).
type Result struct {
	Allowed    bool
	DenyReason string
	Patch      any
	Output     map[string]any
}

// Host runs script invocations. It holds no per-invocation state: every
// Invoke call builds a fresh goja.Runtime and a fresh invocationState, so
// nothing leaks between invocations (spec.md's isolation invariant). Its
// only persistent state is the pair of default timeouts an operator may
// override from the CLI (see internal/cmd.serve's --admission-timeout-seconds
// / --cron-timeout-seconds).
type Host struct {
	logger *slog.Logger

	defaultAdmissionTimeout time.Duration
	defaultCronTimeout      time.Duration
}

// NewHost returns a Script Host that logs through logger, using
// DefaultAdmissionTimeout/DefaultCronTimeout until SetDefaultTimeouts
// overrides them.
func NewHost(logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		logger:                  logger.With("component", "sandbox"),
		defaultAdmissionTimeout: DefaultAdmissionTimeout,
		defaultCronTimeout:      DefaultCronTimeout,
	}
}

// SetDefaultTimeouts overrides the fallback timeouts Invoke uses when a
// rule or policy doesn't set its own TimeoutSeconds. Zero values leave
// the corresponding default unchanged.
func (h *Host) SetDefaultTimeouts(admission, cron time.Duration) {
	if admission > 0 {
		h.defaultAdmissionTimeout = admission
	}
	if cron > 0 {
		h.defaultCronTimeout = cron
	}
}

// invokeResult carries a script goroutine's outcome back to Invoke.
type invokeResult struct {
	value any
	err   error
}

// Invoke runs one script to completion or until its deadline expires. The
// script itself always runs on its own dedicated goroutine (the "worker
// thread" of spec.md §4.1.2/§9): the caller's goroutine only builds the
// runtime, compiles the script and, on timeout or cancellation, interrupts
// it; it never runs the script. Each call builds its own runtime, so a
// caller that invokes many rules concurrently never shares one across them.
func (h *Host) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	timeout := time.Duration(inv.TimeoutSeconds) * time.Second
	if inv.TimeoutSeconds <= 0 {
		if inv.AdmissionRequest != nil || inv.Resources == nil {
			timeout = h.defaultAdmissionTimeout
		} else {
			timeout = h.defaultCronTimeout
		}
	}

	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	state := newInvocationState(inv)
	registerHostABI(ctx, rt, state, inv)

	program, err := goja.Compile(inv.RuleName, wrapScript(inv.Code), false)
	if err != nil {
		return nil, &errs.ScriptParseError{Rule: inv.RuleName, Message: err.Error()}
	}

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, runErr := rt.RunProgram(program)
		done <- invokeResult{value: v, err: runErr}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			var kubeErr *errs.KubeClientError
			if errors.As(res.err, &kubeErr) {
				return nil, kubeErr
			}
			return nil, &errs.ScriptRuntimeError{Rule: inv.RuleName, Message: res.err.Error()}
		}
		return state.result(), nil
	case <-timer.C:
		rt.Interrupt(fmt.Sprintf("rule %s exceeded timeoutSeconds", inv.RuleName))
		<-done // the interrupted goroutine always sends before returning
		return nil, &errs.TimeoutError{Rule: inv.RuleName, TimeoutSeconds: inv.TimeoutSeconds}
	case <-ctx.Done():
		rt.Interrupt("invocation canceled")
		<-done
		return nil, ctx.Err()
	}
}

// wrapScript wraps user code in an IIFE so a bare `return` at top level
// (a common pattern for early-exit policies) is legal JavaScript.
func wrapScript(code string) string {
	return "(function(){\n" + code + "\n})();"
}
