// Package registry is the Rule Registry (C3): an in-memory, atomically
// swapped set of ValidatingRule / MutatingRule / CronPolicy objects. The
// swap discipline follows the same read-copy-update shape the Kubewarden
// controller uses for its in-memory policy indices, adapted here to a
// single atomic.Pointer instead of a controller-runtime cache.
package registry

import (
	"sync/atomic"

	checkpointv1 "github.com/devsisters/checkpoint/api/v1"
)

// gvrKey identifies a Group/Version/Resource bucket.
type gvrKey struct {
	Group    string
	Version  string
	Resource string
}

// Snapshot is an immutable, point-in-time view of the registry. A single
// AdmissionReview evaluation holds one Snapshot for its whole lifetime, so
// concurrent registry writes never alter an in-flight decision.
type Snapshot struct {
	validating map[string]checkpointv1.ValidatingRule
	mutating   map[string]checkpointv1.MutatingRule
	cron       map[string]checkpointv1.CronPolicy

	// byGVR buckets rule names for fast matching; built once per snapshot.
	validatingByGVR map[gvrKey][]string
	mutatingByGVR   map[gvrKey][]string
}

// ValidatingRules returns the snapshot's ValidatingRule set in no
// particular order; callers needing determinism sort by name.
func (s *Snapshot) ValidatingRules() []checkpointv1.ValidatingRule {
	out := make([]checkpointv1.ValidatingRule, 0, len(s.validating))
	for _, r := range s.validating {
		out = append(out, r)
	}
	return out
}

// MutatingRules returns the snapshot's MutatingRule set in no particular
// order; callers needing determinism sort by name.
func (s *Snapshot) MutatingRules() []checkpointv1.MutatingRule {
	out := make([]checkpointv1.MutatingRule, 0, len(s.mutating))
	for _, r := range s.mutating {
		out = append(out, r)
	}
	return out
}

// ValidatingRulesForGVR is the matcher's fast path (spec.md §4.3/§4.4): it
// returns only the ValidatingRules whose validatingByGVR bucket could match
// group/version/resource(/subResource), instead of every ValidatingRule in
// the snapshot. It's a superset, not a final verdict — the caller still
// runs the full ObjectRule/selector check (operation, scope, subresource
// exactness) over the result, the same way audit-scanner's hot loop
// iterates scanner.go's PoliciesByGVR bucket and then applies the rest of
// each policy's match criteria.
func (s *Snapshot) ValidatingRulesForGVR(group, version, resource, subResource string) []checkpointv1.ValidatingRule {
	names := bucketCandidates(s.validatingByGVR, group, version, resource, subResource)
	out := make([]checkpointv1.ValidatingRule, 0, len(names))
	for _, name := range names {
		if r, ok := s.validating[name]; ok {
			out = append(out, r)
		}
	}
	return out
}

// MutatingRulesForGVR is MutatingRule's counterpart to
// ValidatingRulesForGVR.
func (s *Snapshot) MutatingRulesForGVR(group, version, resource, subResource string) []checkpointv1.MutatingRule {
	names := bucketCandidates(s.mutatingByGVR, group, version, resource, subResource)
	out := make([]checkpointv1.MutatingRule, 0, len(names))
	for _, name := range names {
		if r, ok := s.mutating[name]; ok {
			out = append(out, r)
		}
	}
	return out
}

// CronPolicies returns every known CronPolicy, in no particular order.
func (s *Snapshot) CronPolicies() []checkpointv1.CronPolicy {
	out := make([]checkpointv1.CronPolicy, 0, len(s.cron))
	for _, p := range s.cron {
		out = append(out, p)
	}
	return out
}

// Registry holds the live snapshot pointer. The zero value is not usable;
// construct with New.
type Registry struct {
	ptr atomic.Pointer[Snapshot]
}

// New returns an empty Registry.
func New() *Registry {
	r := &Registry{}
	r.ptr.Store(emptySnapshot())
	return r
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		validating:      map[string]checkpointv1.ValidatingRule{},
		mutating:        map[string]checkpointv1.MutatingRule{},
		cron:            map[string]checkpointv1.CronPolicy{},
		validatingByGVR: map[gvrKey][]string{},
		mutatingByGVR:   map[gvrKey][]string{},
	}
}

// Snapshot returns the current immutable snapshot. Safe for concurrent
// use with any number of writers.
func (r *Registry) Snapshot() *Snapshot {
	return r.ptr.Load()
}

// PutValidatingRule replaces (by name) the ValidatingRule in the live set
// and atomically swaps in a freshly indexed snapshot.
func (r *Registry) PutValidatingRule(rule checkpointv1.ValidatingRule) {
	for {
		old := r.ptr.Load()
		next := cloneSnapshot(old)
		next.validating[rule.Name] = rule
		reindexValidating(next)
		if r.ptr.CompareAndSwap(old, next) {
			return
		}
	}
}

// PutMutatingRule replaces (by name) the MutatingRule in the live set.
func (r *Registry) PutMutatingRule(rule checkpointv1.MutatingRule) {
	for {
		old := r.ptr.Load()
		next := cloneSnapshot(old)
		next.mutating[rule.Name] = rule
		reindexMutating(next)
		if r.ptr.CompareAndSwap(old, next) {
			return
		}
	}
}

// PutCronPolicy replaces (by name) the CronPolicy in the live set.
func (r *Registry) PutCronPolicy(policy checkpointv1.CronPolicy) {
	for {
		old := r.ptr.Load()
		next := cloneSnapshot(old)
		next.cron[policy.Name] = policy
		if r.ptr.CompareAndSwap(old, next) {
			return
		}
	}
}

// DeleteValidatingRule removes a ValidatingRule and all its index entries.
func (r *Registry) DeleteValidatingRule(name string) {
	for {
		old := r.ptr.Load()
		if _, ok := old.validating[name]; !ok {
			return
		}
		next := cloneSnapshot(old)
		delete(next.validating, name)
		reindexValidating(next)
		if r.ptr.CompareAndSwap(old, next) {
			return
		}
	}
}

// DeleteMutatingRule removes a MutatingRule and all its index entries.
func (r *Registry) DeleteMutatingRule(name string) {
	for {
		old := r.ptr.Load()
		if _, ok := old.mutating[name]; !ok {
			return
		}
		next := cloneSnapshot(old)
		delete(next.mutating, name)
		reindexMutating(next)
		if r.ptr.CompareAndSwap(old, next) {
			return
		}
	}
}

// DeleteCronPolicy removes a CronPolicy by name.
func (r *Registry) DeleteCronPolicy(name string) {
	for {
		old := r.ptr.Load()
		if _, ok := old.cron[name]; !ok {
			return
		}
		next := cloneSnapshot(old)
		delete(next.cron, name)
		if r.ptr.CompareAndSwap(old, next) {
			return
		}
	}
}

func cloneSnapshot(old *Snapshot) *Snapshot {
	next := &Snapshot{
		validating: make(map[string]checkpointv1.ValidatingRule, len(old.validating)),
		mutating:   make(map[string]checkpointv1.MutatingRule, len(old.mutating)),
		cron:       make(map[string]checkpointv1.CronPolicy, len(old.cron)),
		// reindex* replaces these maps wholesale, so sharing them with the
		// old snapshot is safe.
		validatingByGVR: old.validatingByGVR,
		mutatingByGVR:   old.mutatingByGVR,
	}
	for k, v := range old.validating {
		next.validating[k] = v
	}
	for k, v := range old.mutating {
		next.mutating[k] = v
	}
	for k, v := range old.cron {
		next.cron[k] = v
	}
	return next
}

func reindexValidating(s *Snapshot) {
	idx := map[gvrKey][]string{}
	for _, rule := range s.validating {
		for _, or := range rule.ObjectRules {
			addGVRBucketEntries(idx, or, rule.Name)
		}
	}
	s.validatingByGVR = idx
}

func reindexMutating(s *Snapshot) {
	idx := map[gvrKey][]string{}
	for _, rule := range s.mutating {
		for _, or := range rule.ObjectRules {
			addGVRBucketEntries(idx, or, rule.Name)
		}
	}
	s.mutatingByGVR = idx
}

func addGVRBucketEntries(idx map[gvrKey][]string, or checkpointv1.ObjectRule, name string) {
	for _, g := range or.APIGroups {
		for _, v := range or.APIVersions {
			for _, res := range or.Resources {
				key := gvrKey{Group: g, Version: v, Resource: res}
				idx[key] = append(idx[key], name)
			}
		}
	}
}

// bucketCandidates returns the deduplicated union of every bucket that
// could hold a rule matching group/version/resource(/subResource): the
// exact key, and every combination where an axis carries the rule-side
// "*" wildcard instead of the request's concrete value. A request that
// carries a subresource also checks the "resource/subResource" compound
// key a rule might declare (e.g. "pods/exec").
func bucketCandidates(idx map[gvrKey][]string, group, version, resource, subResource string) []string {
	groups := []string{group, "*"}
	versions := []string{version, "*"}
	resources := []string{resource, "*"}
	if subResource != "" {
		resources = append(resources, resource+"/"+subResource)
	}

	seen := map[string]bool{}
	var out []string
	for _, g := range groups {
		for _, v := range versions {
			for _, r := range resources {
				for _, name := range idx[gvrKey{Group: g, Version: v, Resource: r}] {
					if !seen[name] {
						seen[name] = true
						out = append(out, name)
					}
				}
			}
		}
	}
	return out
}
