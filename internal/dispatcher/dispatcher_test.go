package dispatcher_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	admissionv1 "k8s.io/api/admission/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"

	checkpointv1 "github.com/devsisters/checkpoint/api/v1"
	"github.com/devsisters/checkpoint/internal/dispatcher"
	"github.com/devsisters/checkpoint/internal/matcher"
	"github.com/devsisters/checkpoint/internal/sandbox"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(noopWriter{}, nil))
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

func namespaceCreateRequest(name string, raw []byte) *admissionv1.AdmissionRequest {
	return &admissionv1.AdmissionRequest{
		UID:       "abc-123",
		Operation: admissionv1.Create,
		Resource:  schema.GroupVersionResource{Group: "", Version: "v1", Resource: "namespaces"},
		Name:      name,
		Object:    runtime.RawExtension{Raw: raw},
	}
}

func validatingRule(name, code string) checkpointv1.ValidatingRule {
	r := checkpointv1.ValidatingRule{}
	r.Name = name
	r.Code = code
	return r
}

func mutatingRule(name, code string) checkpointv1.MutatingRule {
	r := checkpointv1.MutatingRule{}
	r.Name = name
	r.Code = code
	return r
}

func newDispatcher() *dispatcher.Dispatcher {
	host := sandbox.NewHost(discardLogger())
	return dispatcher.New(host, nil, nil, discardLogger())
}

// "cute" namespace denied by a ValidatingRule inspecting the request name.
func TestDispatch_ValidatingRuleDeniesByName(t *testing.T) {
	d := newDispatcher()
	raw, _ := json.Marshal(map[string]any{"metadata": map[string]any{"name": "cute"}})
	req := namespaceCreateRequest("cute", raw)

	rule := validatingRule("no-cute-namespaces", `
		var req = getRequest();
		if (req.name === "cute") { deny("namespace name 'cute' is not allowed"); } else { allow(); }
	`)

	outcome, err := d.Dispatch(context.Background(), req, matcher.Result{Validating: []checkpointv1.ValidatingRule{rule}})
	require.NoError(t, err)
	assert.False(t, outcome.Allowed)
	assert.Equal(t, "namespace name 'cute' is not allowed", outcome.DenyReason)
	require.Len(t, outcome.Verdicts, 1)
	assert.False(t, outcome.Verdicts[0].Errored)
}

func TestDispatch_ValidatingRuleAllows(t *testing.T) {
	d := newDispatcher()
	raw, _ := json.Marshal(map[string]any{"metadata": map[string]any{"name": "prod"}})
	req := namespaceCreateRequest("prod", raw)

	rule := validatingRule("allow-all", `allow();`)

	outcome, err := d.Dispatch(context.Background(), req, matcher.Result{Validating: []checkpointv1.ValidatingRule{rule}})
	require.NoError(t, err)
	assert.True(t, outcome.Allowed)
	assert.Empty(t, outcome.Patch)
}

// A double mutation chain: each MutatingRule sees the previous rule's patch
// already applied.
func TestDispatch_DoubleMutationChain(t *testing.T) {
	d := newDispatcher()
	raw, _ := json.Marshal(map[string]any{"metadata": map[string]any{"name": "app", "labels": map[string]any{}}})
	req := namespaceCreateRequest("app", raw)

	first := mutatingRule("add-team-label", `allowAndMutate([{op: "add", path: "/metadata/labels/team", value: "payments"}]);`)
	second := mutatingRule("add-env-label", `
		var req = getRequest();
		if (req.object.metadata.labels.team !== "payments") {
			deny("expected team label from the previous rule");
		} else {
			allowAndMutate([{op: "add", path: "/metadata/labels/env", value: "prod"}]);
		}
	`)

	outcome, err := d.Dispatch(context.Background(), req, matcher.Result{
		Mutating: []checkpointv1.MutatingRule{first, second},
	})
	require.NoError(t, err)
	assert.True(t, outcome.Allowed)
	require.NotEmpty(t, outcome.Patch)

	var ops []map[string]any
	require.NoError(t, json.Unmarshal(outcome.Patch, &ops))
	assert.NotEmpty(t, ops)
}

// Combined allow-then-deny guard: a later MutatingRule can still veto an
// object that an earlier rule already mutated.
func TestDispatch_LaterMutatingRuleCanDenyMutatedObject(t *testing.T) {
	d := newDispatcher()
	raw, _ := json.Marshal(map[string]any{"metadata": map[string]any{"name": "app", "labels": map[string]any{}}})
	req := namespaceCreateRequest("app", raw)

	first := mutatingRule("add-forbidden-label", `allowAndMutate([{op: "add", path: "/metadata/labels/forbidden", value: "yes"}]);`)
	second := mutatingRule("guard-forbidden-label", `
		var req = getRequest();
		if (req.object.metadata.labels.forbidden === "yes") {
			deny("forbidden label present after mutation chain");
		} else {
			allow();
		}
	`)

	outcome, err := d.Dispatch(context.Background(), req, matcher.Result{
		Mutating: []checkpointv1.MutatingRule{first, second},
	})
	require.NoError(t, err)
	assert.False(t, outcome.Allowed)
	assert.Equal(t, "forbidden label present after mutation chain", outcome.DenyReason)
}

// A script error must fail closed: the request is denied, not allowed.
func TestDispatch_ScriptErrorFailsClosed(t *testing.T) {
	d := newDispatcher()
	raw, _ := json.Marshal(map[string]any{"metadata": map[string]any{"name": "app"}})
	req := namespaceCreateRequest("app", raw)

	rule := validatingRule("throws", `throw new Error("boom");`)

	outcome, err := d.Dispatch(context.Background(), req, matcher.Result{Validating: []checkpointv1.ValidatingRule{rule}})
	require.NoError(t, err)
	assert.False(t, outcome.Allowed)
	require.Len(t, outcome.Verdicts, 1)
	assert.True(t, outcome.Verdicts[0].Errored)
}

// kubeGet against a missing object (404) must surface as a JS null, not an
// error, letting the script decide what to do with "not found".
func TestDispatch_KubeGetMissingObjectYieldsNullNotError(t *testing.T) {
	host := sandbox.NewHost(discardLogger())
	d := dispatcher.New(host, &fakeReader{}, nil, discardLogger())

	raw, _ := json.Marshal(map[string]any{"metadata": map[string]any{"name": "app"}})
	req := namespaceCreateRequest("app", raw)

	rule := validatingRule("requires-configmap", `
		var cm = kubeGet({group: "", version: "v1", kind: "ConfigMap", namespace: "default", name: "missing"});
		if (cm === null) { deny("referenced configmap not found"); } else { allow(); }
	`)
	rule.ServiceAccount = &checkpointv1.ServiceAccountReference{Namespace: "default", Name: "reader"}

	outcome, err := d.Dispatch(context.Background(), req, matcher.Result{Validating: []checkpointv1.ValidatingRule{rule}})
	require.NoError(t, err)
	assert.False(t, outcome.Allowed)
	assert.Equal(t, "referenced configmap not found", outcome.DenyReason)
}

func TestDispatch_ValidatingDenyShortCircuitsBeforeMutating(t *testing.T) {
	d := newDispatcher()
	raw, _ := json.Marshal(map[string]any{"metadata": map[string]any{"name": "app"}})
	req := namespaceCreateRequest("app", raw)

	validating := validatingRule("deny-everything", `deny("blocked");`)
	mutating := mutatingRule("should-not-run", `allowAndMutate([{op: "add", path: "/metadata/labels", value: {}}]);`)

	outcome, err := d.Dispatch(context.Background(), req, matcher.Result{
		Validating: []checkpointv1.ValidatingRule{validating},
		Mutating:   []checkpointv1.MutatingRule{mutating},
	})
	require.NoError(t, err)
	assert.False(t, outcome.Allowed)
	// only the validating rule should have produced a verdict.
	require.Len(t, outcome.Verdicts, 1)
	assert.Equal(t, "deny-everything", outcome.Verdicts[0].RuleName)
	assert.Empty(t, outcome.Patch)
}

type fakeReader struct{}

func (fakeReader) Get(_ context.Context, _ *checkpointv1.ServiceAccountReference, _, _, _, _, _ string) (map[string]any, error) {
	return nil, nil
}

func (fakeReader) List(_ context.Context, _ *checkpointv1.ServiceAccountReference, _, _, _, _, _, _ string) (map[string]any, error) {
	return nil, nil
}
