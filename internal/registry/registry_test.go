package registry_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	checkpointv1 "github.com/devsisters/checkpoint/api/v1"
	"github.com/devsisters/checkpoint/internal/registry"
)

func TestRegistry_PutAndSnapshotIsolation(t *testing.T) {
	r := registry.New()

	rule := checkpointv1.ValidatingRule{}
	rule.Name = "r1"
	rule.Code = "allow();"
	r.PutValidatingRule(rule)

	snap1 := r.Snapshot()
	require.Len(t, snap1.ValidatingRules(), 1)

	rule2 := checkpointv1.ValidatingRule{}
	rule2.Name = "r2"
	rule2.Code = "deny('no');"
	r.PutValidatingRule(rule2)

	// snap1, taken before the second Put, must not observe r2: a snapshot
	// held across one evaluation is immutable for its whole lifetime.
	assert.Len(t, snap1.ValidatingRules(), 1)

	snap2 := r.Snapshot()
	assert.Len(t, snap2.ValidatingRules(), 2)
}

func TestRegistry_PutReplacesByName(t *testing.T) {
	r := registry.New()

	rule := checkpointv1.ValidatingRule{}
	rule.Name = "r1"
	rule.Code = "allow();"
	r.PutValidatingRule(rule)

	updated := checkpointv1.ValidatingRule{}
	updated.Name = "r1"
	updated.Code = "deny('updated');"
	r.PutValidatingRule(updated)

	snap := r.Snapshot()
	require.Len(t, snap.ValidatingRules(), 1)
	assert.Equal(t, "deny('updated');", snap.ValidatingRules()[0].Code)
}

func TestRegistry_Delete(t *testing.T) {
	r := registry.New()
	rule := checkpointv1.ValidatingRule{}
	rule.Name = "r1"
	r.PutValidatingRule(rule)
	require.Len(t, r.Snapshot().ValidatingRules(), 1)

	r.DeleteValidatingRule("r1")
	assert.Empty(t, r.Snapshot().ValidatingRules())

	// deleting an unknown name is a no-op, not an error.
	r.DeleteValidatingRule("does-not-exist")
}

func TestRegistry_MutatingAndCronPolicyPutDelete(t *testing.T) {
	r := registry.New()

	mr := checkpointv1.MutatingRule{}
	mr.Name = "m1"
	r.PutMutatingRule(mr)
	require.Len(t, r.Snapshot().MutatingRules(), 1)
	r.DeleteMutatingRule("m1")
	assert.Empty(t, r.Snapshot().MutatingRules())

	cp := checkpointv1.CronPolicy{Name: "c1", Schedule: "@hourly"}
	r.PutCronPolicy(cp)
	require.Len(t, r.Snapshot().CronPolicies(), 1)
	r.DeleteCronPolicy("c1")
	assert.Empty(t, r.Snapshot().CronPolicies())
}

func TestSnapshot_ValidatingRulesForGVR_FiltersByBucket(t *testing.T) {
	r := registry.New()

	podsRule := checkpointv1.ValidatingRule{}
	podsRule.Name = "pods-only"
	podsRule.ObjectRules = []checkpointv1.ObjectRule{{
		APIGroups:   []string{""},
		APIVersions: []string{"v1"},
		Resources:   []string{"pods"},
		Operations:  []checkpointv1.Operation{checkpointv1.OperationAll},
	}}
	r.PutValidatingRule(podsRule)

	wildcardRule := checkpointv1.ValidatingRule{}
	wildcardRule.Name = "any-resource"
	wildcardRule.ObjectRules = []checkpointv1.ObjectRule{{
		APIGroups:   []string{"*"},
		APIVersions: []string{"*"},
		Resources:   []string{"*"},
		Operations:  []checkpointv1.Operation{checkpointv1.OperationAll},
	}}
	r.PutValidatingRule(wildcardRule)

	snap := r.Snapshot()

	podsCandidates := snap.ValidatingRulesForGVR("", "v1", "pods", "")
	names := make([]string, 0, len(podsCandidates))
	for _, c := range podsCandidates {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(t, []string{"pods-only", "any-resource"}, names)

	// a ConfigMap request only bucket-matches the wildcard rule, never the
	// pods-scoped one.
	cmCandidates := snap.ValidatingRulesForGVR("", "v1", "configmaps", "")
	cmNames := make([]string, 0, len(cmCandidates))
	for _, c := range cmCandidates {
		cmNames = append(cmNames, c.Name)
	}
	assert.ElementsMatch(t, []string{"any-resource"}, cmNames)
}

func TestSnapshot_MutatingRulesForGVR_SubresourceCompoundKey(t *testing.T) {
	r := registry.New()

	rule := checkpointv1.MutatingRule{}
	rule.Name = "pods-exec-only"
	rule.ObjectRules = []checkpointv1.ObjectRule{{
		APIGroups:   []string{""},
		APIVersions: []string{"v1"},
		Resources:   []string{"pods/exec"},
		Operations:  []checkpointv1.Operation{checkpointv1.OperationConnect},
	}}
	r.PutMutatingRule(rule)

	snap := r.Snapshot()

	assert.Len(t, snap.MutatingRulesForGVR("", "v1", "pods", "exec"), 1)
	assert.Empty(t, snap.MutatingRulesForGVR("", "v1", "pods", ""))
}

func TestLoadFile_DecodesEachKind(t *testing.T) {
	r := registry.New()

	validating := []byte(`
kind: ValidatingRule
name: deny-latest
objectRules:
  - apiGroups: [""]
    apiVersions: ["v1"]
    resources: ["pods"]
    operations: ["CREATE"]
code: "deny('no latest tag');"
`)
	require.NoError(t, registry.LoadFile(r, validating))

	mutating := []byte(`
kind: MutatingRule
name: add-team-label
objectRules:
  - apiGroups: [""]
    apiVersions: ["v1"]
    resources: ["pods"]
    operations: ["*"]
code: "allowAndMutate([]);"
`)
	require.NoError(t, registry.LoadFile(r, mutating))

	cron := []byte(`
kind: CronPolicy
name: audit-namespaces
schedule: "@daily"
resources:
  - group: ""
    version: "v1"
    kind: "Namespace"
    resource: "namespaces"
code: "setOutput({});"
`)
	require.NoError(t, registry.LoadFile(r, cron))

	snap := r.Snapshot()
	assert.Len(t, snap.ValidatingRules(), 1)
	assert.Len(t, snap.MutatingRules(), 1)
	assert.Len(t, snap.CronPolicies(), 1)
}

func TestLoadFile_UnknownKind(t *testing.T) {
	r := registry.New()
	err := registry.LoadFile(r, []byte("kind: Bogus\nname: x\n"))
	assert.Error(t, err)
}

func TestLoadDir_LoadsAllYAMLFiles(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "rule-a.yaml"), []byte(`
kind: ValidatingRule
name: rule-a
objectRules:
  - apiGroups: [""]
    apiVersions: ["v1"]
    resources: ["pods"]
    operations: ["*"]
code: "allow();"
`), 0o644))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "rule-b.yml"), []byte(`
kind: ValidatingRule
name: rule-b
objectRules:
  - apiGroups: [""]
    apiVersions: ["v1"]
    resources: ["pods"]
    operations: ["*"]
code: "allow();"
`), 0o644))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("not a policy"), 0o644))

	r := registry.New()
	require.NoError(t, registry.LoadDir(r, dir))

	snap := r.Snapshot()
	assert.Len(t, snap.ValidatingRules(), 2)
}
