package sandbox_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	checkpointv1 "github.com/devsisters/checkpoint/api/v1"
	"github.com/devsisters/checkpoint/internal/errs"
	"github.com/devsisters/checkpoint/internal/sandbox"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(noopWriter{}, nil))
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestInvoke_DefaultAllowWhenScriptDoesNothing(t *testing.T) {
	host := sandbox.NewHost(discardLogger())
	result, err := host.Invoke(context.Background(), sandbox.Invocation{
		RuleName: "noop",
		Code:     `// does nothing`,
		Logger:   discardLogger(),
	})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Empty(t, result.DenyReason)
}

func TestInvoke_Deny(t *testing.T) {
	host := sandbox.NewHost(discardLogger())
	result, err := host.Invoke(context.Background(), sandbox.Invocation{
		RuleName: "deny-all",
		Code:     `deny("nope");`,
		Logger:   discardLogger(),
	})
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, "nope", result.DenyReason)
}

func TestInvoke_AllowOverridesEarlierDeny(t *testing.T) {
	host := sandbox.NewHost(discardLogger())
	result, err := host.Invoke(context.Background(), sandbox.Invocation{
		RuleName: "flip-flop",
		Code:     `deny("first"); allow();`,
		Logger:   discardLogger(),
	})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestInvoke_MutateForbiddenOnValidatingRule(t *testing.T) {
	host := sandbox.NewHost(discardLogger())
	_, err := host.Invoke(context.Background(), sandbox.Invocation{
		RuleName: "sneaky-mutate",
		Code:     `mutate([{op: "add", path: "/x", value: 1}]);`,
		Mutating: false,
		Logger:   discardLogger(),
	})
	require.Error(t, err)
	assert.True(t, errs.IsScriptRuntimeError(err))
}

func TestInvoke_AllowAndMutateOnMutatingRule(t *testing.T) {
	host := sandbox.NewHost(discardLogger())
	result, err := host.Invoke(context.Background(), sandbox.Invocation{
		RuleName: "add-label",
		Code:     `allowAndMutate([{op: "add", path: "/metadata/labels/team", value: "a"}]);`,
		Mutating: true,
		Logger:   discardLogger(),
	})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	require.NotNil(t, result.Patch)
}

func TestInvoke_GetRequestNullForCronInvocation(t *testing.T) {
	host := sandbox.NewHost(discardLogger())
	result, err := host.Invoke(context.Background(), sandbox.Invocation{
		RuleName:  "cron-policy",
		Code:      `if (getRequest() !== null) { deny("expected null request"); } setOutput({count: getResources()[0].length});`,
		Resources: [][]any{{1, 2, 3}},
		Logger:    discardLogger(),
	})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.EqualValues(t, 3, result.Output["count"])
}

func TestInvoke_ScriptParseErrorOnSyntaxError(t *testing.T) {
	host := sandbox.NewHost(discardLogger())
	_, err := host.Invoke(context.Background(), sandbox.Invocation{
		RuleName: "broken",
		Code:     `this is not valid javascript {{{`,
		Logger:   discardLogger(),
	})
	require.Error(t, err)
	assert.True(t, errs.IsScriptParseError(err))
}

func TestInvoke_ScriptRuntimeErrorOnUncaughtException(t *testing.T) {
	host := sandbox.NewHost(discardLogger())
	_, err := host.Invoke(context.Background(), sandbox.Invocation{
		RuleName: "throws",
		Code:     `throw new Error("boom");`,
		Logger:   discardLogger(),
	})
	require.Error(t, err)
	assert.True(t, errs.IsScriptRuntimeError(err))
}

func TestInvoke_TimeoutInterruptsInfiniteLoop(t *testing.T) {
	host := sandbox.NewHost(discardLogger())
	start := time.Now()
	_, err := host.Invoke(context.Background(), sandbox.Invocation{
		RuleName:       "spin",
		Code:           `while (true) {}`,
		TimeoutSeconds: 1,
		Logger:         discardLogger(),
	})
	elapsed := time.Since(start)
	require.Error(t, err)
	assert.True(t, errs.IsTimeoutError(err))
	assert.Less(t, elapsed, 3*time.Second)
}

// fakeReader lets the kubeGet/kubeList ABI tests exercise the host without
// a real kubeclient.Gateway.
type fakeReader struct {
	getResult map[string]any
	getErr    error
}

func (f *fakeReader) Get(_ context.Context, _ *checkpointv1.ServiceAccountReference, _, _, _, _, _ string) (map[string]any, error) {
	return f.getResult, f.getErr
}

func (f *fakeReader) List(_ context.Context, _ *checkpointv1.ServiceAccountReference, _, _, _, _, _, _ string) (map[string]any, error) {
	return f.getResult, f.getErr
}

func TestInvoke_KubeGetWithoutReaderIsForbidden(t *testing.T) {
	host := sandbox.NewHost(discardLogger())
	_, err := host.Invoke(context.Background(), sandbox.Invocation{
		RuleName: "needs-read",
		Code:     `kubeGet({group: "", version: "v1", kind: "ConfigMap", namespace: "default", name: "cfg"});`,
		Logger:   discardLogger(),
	})
	require.Error(t, err)
	assert.True(t, errs.IsKubeClientError(err))
}

func TestInvoke_KubeGetNotFoundReturnsNull(t *testing.T) {
	host := sandbox.NewHost(discardLogger())
	result, err := host.Invoke(context.Background(), sandbox.Invocation{
		RuleName: "check-missing",
		Code: `
			var obj = kubeGet({group: "", version: "v1", kind: "ConfigMap", namespace: "default", name: "missing"});
			if (obj === null) { deny("not found"); } else { allow(); }
		`,
		Reader: &fakeReader{getResult: nil, getErr: nil},
		Logger: discardLogger(),
	})
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, "not found", result.DenyReason)
}

func TestInvoke_IsolationBetweenInvocations(t *testing.T) {
	host := sandbox.NewHost(discardLogger())

	// A global assigned in one invocation must not leak into the next: each
	// Invoke call builds a brand-new goja.Runtime.
	_, err := host.Invoke(context.Background(), sandbox.Invocation{
		RuleName: "first",
		Code:     `globalThis.leaked = "should not persist";`,
		Logger:   discardLogger(),
	})
	require.NoError(t, err)

	result, err := host.Invoke(context.Background(), sandbox.Invocation{
		RuleName: "second",
		Code:     `if (typeof globalThis.leaked !== "undefined") { deny("leaked state"); }`,
		Logger:   discardLogger(),
	})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestSetDefaultTimeouts(t *testing.T) {
	host := sandbox.NewHost(discardLogger())
	host.SetDefaultTimeouts(2*time.Second, 10*time.Second)

	start := time.Now()
	_, err := host.Invoke(context.Background(), sandbox.Invocation{
		RuleName: "spin-default",
		Code:     `while (true) {}`,
		Logger:   discardLogger(),
	})
	elapsed := time.Since(start)
	require.Error(t, err)
	assert.True(t, errs.IsTimeoutError(err))
	assert.Less(t, elapsed, 4*time.Second)
}
