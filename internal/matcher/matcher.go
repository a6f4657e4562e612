// Package matcher is the Matcher (C4): given an AdmissionRequest and a
// registry snapshot, it returns the deterministically ordered subset of
// rules that apply, following the namespaceSelector/objectSelector
// LabelSelector matching idiom of
// kubewarden-controller/api/policies/v1's policyMatchesNamespace.
package matcher

import (
	"context"
	"fmt"
	"sort"

	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"

	checkpointv1 "github.com/devsisters/checkpoint/api/v1"
	"github.com/devsisters/checkpoint/internal/registry"
)

// NamespaceLabelGetter resolves a namespace's labels for
// namespaceSelector evaluation. kubeclient.Gateway satisfies this.
type NamespaceLabelGetter interface {
	NamespaceLabels(ctx context.Context, name string) (map[string]string, error)
}

// Result is the ordered, kind-partitioned match output (spec.md §4.4:
// "partitioned by kind, validating first, mutating second").
type Result struct {
	Validating []checkpointv1.ValidatingRule
	Mutating   []checkpointv1.MutatingRule
}

// Match returns every rule in snapshot whose object rules, namespace
// selector, and object selector all match req. Within each kind
// partition, rules are sorted lexicographically by name, the tie-break
// spec.md mandates for reproducible dispatch.
func Match(ctx context.Context, snapshot *registry.Snapshot, req *admissionv1.AdmissionRequest, objectLabels map[string]string, nsGetter NamespaceLabelGetter) (Result, error) {
	var nsLabels map[string]string
	var nsLabelsLoaded bool
	loadNsLabels := func() (map[string]string, error) {
		if nsLabelsLoaded {
			return nsLabels, nil
		}
		if req.Namespace == "" || nsGetter == nil {
			nsLabelsLoaded = true
			return nil, nil
		}
		fetched, err := nsGetter.NamespaceLabels(ctx, req.Namespace)
		if err != nil {
			return nil, err
		}
		nsLabels = fetched
		nsLabelsLoaded = true
		return nsLabels, nil
	}

	// The GVR bucket lookup only prunes candidates (spec.md §4.3's "fast
	// matching" index); ruleMatches still runs the full ObjectRule,
	// namespaceSelector, and objectSelector check against each one.
	validating := make([]checkpointv1.ValidatingRule, 0)
	for _, rule := range snapshot.ValidatingRulesForGVR(req.Resource.Group, req.Resource.Version, req.Resource.Resource, req.SubResource) {
		ok, err := ruleMatches(rule.ObjectRules, rule.NamespaceSelector, rule.ObjectSelector, req, objectLabels, loadNsLabels)
		if err != nil {
			return Result{}, fmt.Errorf("matching ValidatingRule %s: %w", rule.Name, err)
		}
		if ok {
			validating = append(validating, rule)
		}
	}
	sort.Slice(validating, func(i, j int) bool { return validating[i].Name < validating[j].Name })

	mutating := make([]checkpointv1.MutatingRule, 0)
	for _, rule := range snapshot.MutatingRulesForGVR(req.Resource.Group, req.Resource.Version, req.Resource.Resource, req.SubResource) {
		ok, err := ruleMatches(rule.ObjectRules, rule.NamespaceSelector, rule.ObjectSelector, req, objectLabels, loadNsLabels)
		if err != nil {
			return Result{}, fmt.Errorf("matching MutatingRule %s: %w", rule.Name, err)
		}
		if ok {
			mutating = append(mutating, rule)
		}
	}
	sort.Slice(mutating, func(i, j int) bool { return mutating[i].Name < mutating[j].Name })

	return Result{Validating: validating, Mutating: mutating}, nil
}

func ruleMatches(
	objectRules []checkpointv1.ObjectRule,
	nsSelector, objSelector *metav1.LabelSelector,
	req *admissionv1.AdmissionRequest,
	objectLabels map[string]string,
	loadNsLabels func() (map[string]string, error),
) (bool, error) {
	matchedAnyObjectRule := false
	for _, or := range objectRules {
		if objectRuleMatches(or, req) {
			matchedAnyObjectRule = true
			break
		}
	}
	if !matchedAnyObjectRule {
		return false, nil
	}

	if nsSelector != nil {
		nsLabels, err := loadNsLabels()
		if err != nil {
			return false, err
		}
		sel, err := metav1.LabelSelectorAsSelector(nsSelector)
		if err != nil {
			return false, fmt.Errorf("invalid namespaceSelector: %w", err)
		}
		if !sel.Matches(labels.Set(nsLabels)) {
			return false, nil
		}
	}

	if objSelector != nil {
		sel, err := metav1.LabelSelectorAsSelector(objSelector)
		if err != nil {
			return false, fmt.Errorf("invalid objectSelector: %w", err)
		}
		if !sel.Matches(labels.Set(objectLabels)) {
			return false, nil
		}
	}

	return true, nil
}

func objectRuleMatches(or checkpointv1.ObjectRule, req *admissionv1.AdmissionRequest) bool {
	if !contains(or.APIGroups, req.Resource.Group) {
		return false
	}
	if !contains(or.APIVersions, req.Resource.Version) {
		return false
	}
	if !resourceMatches(or.Resources, req.Resource.Resource, req.SubResource) {
		return false
	}
	if !operationMatches(or.Operations, req.Operation) {
		return false
	}
	if !scopeMatches(or.Scope, req.Namespace) {
		return false
	}
	return true
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == "*" || v == want {
			return true
		}
	}
	return false
}

// resourceMatches implements spec.md §4.4's subresource rule: "pods/exec"
// matches only a request with that exact subresource; a bare "pods" (or
// "*") never matches a request that carries one.
func resourceMatches(resources []string, resource, subResource string) bool {
	full := resource
	if subResource != "" {
		full = resource + "/" + subResource
	}
	for _, r := range resources {
		if r == full {
			return true
		}
		if subResource == "" && (r == "*" || r == resource) {
			return true
		}
	}
	return false
}

func operationMatches(operations []checkpointv1.Operation, op admissionv1.Operation) bool {
	for _, o := range operations {
		if o == checkpointv1.OperationAll || string(o) == string(op) {
			return true
		}
	}
	return false
}

func scopeMatches(scope checkpointv1.Scope, namespace string) bool {
	switch scope {
	case checkpointv1.ScopeNamespaced:
		return namespace != ""
	case checkpointv1.ScopeCluster:
		return namespace == ""
	default: // "" or ScopeAll
		return true
	}
}
