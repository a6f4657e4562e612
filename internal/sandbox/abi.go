package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dop251/goja"
	jsonpatch "gomodules.xyz/jsonpatch/v2"

	"github.com/devsisters/checkpoint/internal/errs"
	"github.com/devsisters/checkpoint/internal/jsonvalue"
)

// registerHostABI binds the host ABI table from spec.md §4.1 onto rt. All
// ops are synchronous from the script's point of view; the ones that do
// I/O (kubeGet/kubeList) suspend the calling goroutine on a channel while
// the actual request runs on a short-lived helper goroutine, realizing
// the "worker thread blocks, async runtime services it" split described
// in spec.md §9 without ever touching goja from more than one goroutine
// at a time.
func registerHostABI(ctx context.Context, rt *goja.Runtime, state *invocationState, inv Invocation) {
	must := func(name string, fn func(goja.FunctionCall) goja.Value) {
		if err := rt.Set(name, fn); err != nil {
			panic(fmt.Sprintf("sandbox: registering %s: %v", name, err))
		}
	}

	must("getRequest", func(call goja.FunctionCall) goja.Value {
		if inv.AdmissionRequest == nil {
			return goja.Null()
		}
		return rt.ToValue(inv.AdmissionRequest)
	})

	must("getResources", func(call goja.FunctionCall) goja.Value {
		if inv.Resources == nil {
			return goja.Null()
		}
		return rt.ToValue(inv.Resources)
	})

	must("allow", func(call goja.FunctionCall) goja.Value {
		state.allow()
		return goja.Undefined()
	})

	must("deny", func(call goja.FunctionCall) goja.Value {
		reason := call.Argument(0).String()
		state.deny(reason)
		return goja.Undefined()
	})

	must("mutate", func(call goja.FunctionCall) goja.Value {
		if !state.mutating {
			panic(rt.NewTypeError("mutate() is only available to MutatingRule scripts"))
		}
		state.setPatch(call.Argument(0).Export())
		return goja.Undefined()
	})

	must("allowAndMutate", func(call goja.FunctionCall) goja.Value {
		if !state.mutating {
			panic(rt.NewTypeError("allowAndMutate() is only available to MutatingRule scripts"))
		}
		state.setPatch(call.Argument(0).Export())
		state.allow()
		return goja.Undefined()
	})

	must("setOutput", func(call goja.FunctionCall) goja.Value {
		exported := call.Argument(0).Export()
		obj, ok := exported.(map[string]any)
		if !ok {
			obj = map[string]any{"value": exported}
		}
		state.setOutput(obj)
		return goja.Undefined()
	})

	must("kubeGet", func(call goja.FunctionCall) goja.Value {
		return callKube(ctx, rt, inv, call.Argument(0), false)
	})

	must("kubeList", func(call goja.FunctionCall) goja.Value {
		return callKube(ctx, rt, inv, call.Argument(0), true)
	})

	must("jsonPatchDiff", func(call goja.FunctionCall) goja.Value {
		a := call.Argument(0).Export()
		b := call.Argument(1).Export()
		patch, err := diffJSON(a, b)
		if err != nil {
			panic(rt.NewGoError(err))
		}
		return rt.ToValue(patch)
	})

	must("jsonClone", func(call goja.FunctionCall) goja.Value {
		cloned, err := jsonvalue.Clone(call.Argument(0).Export())
		if err != nil {
			panic(rt.NewGoError(err))
		}
		return rt.ToValue(cloned)
	})

	logFn := func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = a.Export()
		}
		inv.Logger.Info("script output", slog.String("rule", inv.RuleName), slog.Any("args", args))
		return goja.Undefined()
	}
	must("print", logFn)

	console := rt.NewObject()
	if err := console.Set("log", logFn); err != nil {
		panic(fmt.Sprintf("sandbox: registering console.log: %v", err))
	}
	if err := rt.Set("console", console); err != nil {
		panic(fmt.Sprintf("sandbox: registering console: %v", err))
	}
}

// kubeArgs is the shape kubeGet/kubeList accept, per spec.md §4.1's host
// ABI table.
type kubeArgs struct {
	Group         string `json:"group"`
	Version       string `json:"version"`
	Kind          string `json:"kind"`
	Namespace     string `json:"namespace"`
	Name          string `json:"name"`
	LabelSelector string `json:"labelSelector"`
	FieldSelector string `json:"fieldSelector"`
}

func callKube(ctx context.Context, rt *goja.Runtime, inv Invocation, arg goja.Value, list bool) goja.Value {
	if inv.Reader == nil {
		panic(rt.NewGoError(&errs.KubeClientError{
			Rule:      inv.RuleName,
			Message:   "no serviceAccount granted to this rule",
			Forbidden: true,
		}))
	}

	raw, err := json.Marshal(arg.Export())
	if err != nil {
		panic(rt.NewGoError(fmt.Errorf("rule %s: invalid kube call arguments: %w", inv.RuleName, err)))
	}
	var args kubeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		panic(rt.NewGoError(fmt.Errorf("rule %s: invalid kube call arguments: %w", inv.RuleName, err)))
	}

	type outcome struct {
		value map[string]any
		err   error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- outcome{err: fmt.Errorf("rule %s: kube call panicked: %v", inv.RuleName, r)}
			}
		}()
		var v map[string]any
		var e error
		if list {
			v, e = inv.Reader.List(ctx, inv.ServiceAccount, args.Group, args.Version, args.Kind, args.Namespace, args.LabelSelector, args.FieldSelector)
		} else {
			v, e = inv.Reader.Get(ctx, inv.ServiceAccount, args.Group, args.Version, args.Kind, args.Namespace, args.Name)
		}
		resultCh <- outcome{value: v, err: e}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			panic(rt.NewGoError(res.err))
		}
		if res.value == nil {
			return goja.Null()
		}
		return rt.ToValue(map[string]any(res.value))
	case <-ctx.Done():
		panic(rt.NewGoError(ctx.Err()))
	}
}

// diffJSON produces the RFC 6902 patch that turns a into b, using
// gomodules.xyz/jsonpatch/v2 (the same library controller-runtime's own
// admission webhook helpers rely on to build AdmissionResponse.Patch).
func diffJSON(a, b any) ([]jsonpatch.JsonPatchOperation, error) {
	aRaw, err := jsonvalue.ToBytes(a)
	if err != nil {
		return nil, errors.New("jsonPatchDiff: invalid first argument")
	}
	bRaw, err := jsonvalue.ToBytes(b)
	if err != nil {
		return nil, errors.New("jsonPatchDiff: invalid second argument")
	}
	patch, err := jsonpatch.CreatePatch(aRaw, bRaw)
	if err != nil {
		return nil, fmt.Errorf("jsonPatchDiff: %w", err)
	}
	return patch, nil
}
