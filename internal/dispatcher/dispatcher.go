// Package dispatcher is the Admission Dispatcher (C5): given a request and
// its matching rules, it runs the validating phase, then the mutating
// chain, and produces one MergedOutcome, failing closed on any host error
// per spec.md §4.5 step 3.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	jsonpatchapply "github.com/evanphx/json-patch/v5"
	jsonpatchdiff "gomodules.xyz/jsonpatch/v2"
	admissionv1 "k8s.io/api/admission/v1"

	checkpointv1 "github.com/devsisters/checkpoint/api/v1"
	"github.com/devsisters/checkpoint/internal/errs"
	"github.com/devsisters/checkpoint/internal/matcher"
	"github.com/devsisters/checkpoint/internal/sandbox"
)

// metricsRecorder is the narrow slice of *metrics.Metrics the dispatcher
// needs; kept local so dispatcher doesn't gain a hard dependency on the
// metrics package's exporter wiring.
type metricsRecorder interface {
	RecordDispatch(ctx context.Context, result string)
}

// Dispatcher owns the Script Host used to evaluate every matched rule.
type Dispatcher struct {
	host    *sandbox.Host
	reader  sandbox.KubeReader
	logger  *slog.Logger
	metrics metricsRecorder
}

// New returns a Dispatcher that runs rules through host and serves their
// kubeGet/kubeList calls through reader. metrics may be nil.
func New(host *sandbox.Host, reader sandbox.KubeReader, metrics metricsRecorder, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{host: host, reader: reader, metrics: metrics, logger: logger.With("component", "dispatcher")}
}

// Dispatch runs match.Validating then match.Mutating against req and
// returns the merged outcome. req.Object.Raw is the original object; the
// returned Patch (if any) is relative to it.
func (d *Dispatcher) Dispatch(ctx context.Context, req *admissionv1.AdmissionRequest, match matcher.Result) (outcome MergedOutcome, err error) {
	outcome = MergedOutcome{UID: string(req.UID), Allowed: true}
	defer func() { d.record(ctx, outcome) }()

	deny, verdicts := d.runValidating(ctx, req, match.Validating)
	outcome.Verdicts = append(outcome.Verdicts, verdicts...)
	if deny != nil {
		outcome.Allowed = false
		outcome.DenyReason = *deny
		return outcome, nil
	}

	currentObject := req.Object.Raw
	originalObject := req.Object.Raw

	for _, rule := range match.Mutating {
		derivedReq := *req
		derivedReq.Object.Raw = currentObject
		derivedReq.Object.Object = nil

		result, err := d.invoke(ctx, &rule, &derivedReq, nil)
		verdict := RuleVerdict{RuleName: rule.Name, Mutating: true}
		if err != nil {
			verdict.Errored = true
			verdict.Reason = describeError(rule.Name, err)
			outcome.Verdicts = append(outcome.Verdicts, verdict)
			outcome.Allowed = false
			outcome.DenyReason = verdict.Reason
			return outcome, nil
		}

		verdict.Allowed = result.Allowed
		verdict.Reason = result.DenyReason
		outcome.Verdicts = append(outcome.Verdicts, verdict)

		if !result.Allowed {
			outcome.Allowed = false
			outcome.DenyReason = result.DenyReason
			return outcome, nil
		}

		if result.Patch != nil {
			nextObject, err := applyPatch(currentObject, result.Patch)
			if err != nil {
				outcome.Allowed = false
				outcome.DenyReason = (&errs.PatchApplyError{Rule: rule.Name, Message: err.Error()}).Error()
				return outcome, nil
			}
			currentObject = nextObject
		}
	}

	if len(currentObject) > 0 && !bytes.Equal(currentObject, originalObject) {
		patch, err := diffPatch(originalObject, currentObject)
		if err != nil {
			outcome.Allowed = false
			outcome.DenyReason = fmt.Sprintf("computing merged patch: %v", err)
			return outcome, nil
		}
		outcome.Patch = patch
	}

	return outcome, nil
}

// runValidating evaluates every ValidatingRule in order, returning the
// first deny reason (or error treated as a deny) encountered, while still
// recording a verdict for every rule so the caller's audit trail is
// complete (spec.md §4.5 step 1).
func (d *Dispatcher) runValidating(ctx context.Context, req *admissionv1.AdmissionRequest, rules []checkpointv1.ValidatingRule) (*string, []RuleVerdict) {
	var firstDeny *string
	verdicts := make([]RuleVerdict, 0, len(rules))

	for _, rule := range rules {
		result, err := d.invoke(ctx, &rule, req, nil)
		verdict := RuleVerdict{RuleName: rule.Name, Mutating: false}
		if err != nil {
			reason := describeError(rule.Name, err)
			verdict.Errored = true
			verdict.Reason = reason
			verdicts = append(verdicts, verdict)
			if firstDeny == nil {
				firstDeny = &reason
			}
			continue
		}

		verdict.Allowed = result.Allowed
		verdict.Reason = result.DenyReason
		verdicts = append(verdicts, verdict)
		if !result.Allowed && firstDeny == nil {
			reason := result.DenyReason
			firstDeny = &reason
		}
	}

	return firstDeny, verdicts
}

// rule is the minimal shape invoke needs; both ValidatingRule and
// MutatingRule satisfy checkpointv1.Rule.
func (d *Dispatcher) invoke(ctx context.Context, rule checkpointv1.Rule, req *admissionv1.AdmissionRequest, resources [][]any) (*sandbox.Result, error) {
	var timeout int32
	if ts := rule.GetTimeoutSeconds(); ts != nil {
		timeout = *ts
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling AdmissionRequest: %w", err)
	}
	var reqValue any
	if err := json.Unmarshal(raw, &reqValue); err != nil {
		return nil, fmt.Errorf("decoding AdmissionRequest: %w", err)
	}

	return d.host.Invoke(ctx, sandbox.Invocation{
		RuleName:         rule.GetName(),
		Code:             rule.GetCode(),
		TimeoutSeconds:   timeout,
		ServiceAccount:   rule.GetServiceAccount(),
		AdmissionRequest: reqValue,
		Resources:        resources,
		Reader:           d.reader,
		Logger:           d.logger,
		Mutating:         rule.IsMutating(),
	})
}

func (d *Dispatcher) record(ctx context.Context, outcome MergedOutcome) {
	if d.metrics == nil {
		return
	}
	switch {
	case !outcome.Allowed:
		d.metrics.RecordDispatch(ctx, "deny")
	case len(outcome.Patch) > 0:
		d.metrics.RecordDispatch(ctx, "allow_with_patch")
	default:
		d.metrics.RecordDispatch(ctx, "allow")
	}
}

func describeError(rule string, err error) string {
	switch {
	case errs.IsTimeoutError(err):
		return fmt.Sprintf("rule %s: timed out", rule)
	case errs.IsScriptParseError(err):
		return fmt.Sprintf("rule %s: script failed to parse: %v", rule, err)
	case errs.IsScriptRuntimeError(err):
		return fmt.Sprintf("rule %s: script error: %v", rule, err)
	case errs.IsKubeClientError(err):
		return fmt.Sprintf("rule %s: kube error: %v", rule, err)
	default:
		return fmt.Sprintf("rule %s: %v", rule, err)
	}
}

func applyPatch(object []byte, patch any) ([]byte, error) {
	patchRaw, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("marshaling patch: %w", err)
	}
	decoded, err := jsonpatchapply.DecodePatch(patchRaw)
	if err != nil {
		return nil, fmt.Errorf("decoding patch: %w", err)
	}
	return decoded.Apply(object)
}

func diffPatch(a, b []byte) ([]byte, error) {
	ops, err := jsonpatchdiff.CreatePatch(a, b)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}
	return json.Marshal(ops)
}
