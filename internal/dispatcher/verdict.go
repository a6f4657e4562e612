package dispatcher

import (
	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
)

// MergedOutcome is the dispatcher's result for one AdmissionReview,
// spec.md §3's "MergedOutcome (dispatcher result)".
type MergedOutcome struct {
	UID        string
	Allowed    bool
	DenyReason string
	Patch      []byte // RFC 6902 JSON array, nil when empty
	Verdicts   []RuleVerdict
}

// RuleVerdict is one rule's contribution to the merged outcome, kept for
// the structured per-rule audit trail spec.md §4.5 step 1 asks for
// ("evaluation of remaining validators continues ... for observability").
type RuleVerdict struct {
	RuleName string
	Mutating bool
	Allowed  bool
	Reason   string
	Errored  bool
}

// ToAdmissionResponse renders the outcome as the wire AdmissionResponse,
// spec.md §4.5 step 4.
func (o MergedOutcome) ToAdmissionResponse() *admissionv1.AdmissionResponse {
	resp := &admissionv1.AdmissionResponse{
		UID:     types.UID(o.UID),
		Allowed: o.Allowed,
	}
	if !o.Allowed {
		resp.Result = &metav1.Status{Message: o.DenyReason}
	}
	if o.Allowed && len(o.Patch) > 0 {
		resp.Patch = o.Patch
		pt := admissionv1.PatchTypeJSONPatch
		resp.PatchType = &pt
	}
	return resp
}
