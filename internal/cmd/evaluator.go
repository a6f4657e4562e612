package cmd

import (
	"context"

	admissionv1 "k8s.io/api/admission/v1"

	"github.com/devsisters/checkpoint/internal/dispatcher"
	"github.com/devsisters/checkpoint/internal/ingress"
	"github.com/devsisters/checkpoint/internal/kubeclient"
	"github.com/devsisters/checkpoint/internal/matcher"
	"github.com/devsisters/checkpoint/internal/registry"
)

// evaluator wires the Rule Registry (C3), Matcher (C4), and Admission
// Dispatcher (C5) into the single ingress.Evaluator the HTTP handler
// drives, so main never hands the handler anything beyond that seam.
type evaluator struct {
	registry   *registry.Registry
	nsGetter   matcher.NamespaceLabelGetter
	dispatcher *dispatcher.Dispatcher
}

var _ ingress.Evaluator = (*evaluator)(nil)

func newEvaluator(reg *registry.Registry, gateway *kubeclient.Gateway, disp *dispatcher.Dispatcher) *evaluator {
	return &evaluator{registry: reg, nsGetter: gateway, dispatcher: disp}
}

// Match resolves the ordered subset of rules from the registry's current
// snapshot that apply to req, per spec.md §4.4.
func (e *evaluator) Match(ctx context.Context, req *admissionv1.AdmissionRequest) (matcher.Result, error) {
	objectLabels, err := ingress.ObjectLabels(req)
	if err != nil {
		return matcher.Result{}, err
	}
	snapshot := e.registry.Snapshot()
	return matcher.Match(ctx, snapshot, req, objectLabels, e.nsGetter)
}

// Dispatch runs match against req through the Admission Dispatcher.
func (e *evaluator) Dispatch(ctx context.Context, req *admissionv1.AdmissionRequest, match matcher.Result) (dispatcher.MergedOutcome, error) {
	return e.dispatcher.Dispatch(ctx, req, match)
}
