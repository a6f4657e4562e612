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

// Package v1 holds the shapes that the (out-of-scope) controller decodes
// cluster CRDs into before handing them to the registry. They are plain
// Go values, not client-go runtime.Objects: nothing in the core needs to
// round-trip these through the API machinery.
package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Operation is one of the admission operations a rule can care about.
type Operation string

const (
	OperationCreate  Operation = "CREATE"
	OperationUpdate  Operation = "UPDATE"
	OperationDelete  Operation = "DELETE"
	OperationConnect Operation = "CONNECT"
	OperationAll     Operation = "*"
)

// Scope restricts a rule entry to namespaced or cluster-scoped objects.
type Scope string

const (
	ScopeNamespaced Scope = "Namespaced"
	ScopeCluster    Scope = "Cluster"
	ScopeAll        Scope = "*"
)

// ObjectRule is a single match entry within a Rule.ObjectRules list. A Rule
// matches a request if any one of its ObjectRules matches.
type ObjectRule struct {
	// APIGroups the rule applies to. "*" matches any group.
	APIGroups []string `json:"apiGroups"`
	// APIVersions the rule applies to. "*" matches any version.
	APIVersions []string `json:"apiVersions"`
	// Resources the rule applies to, e.g. "pods" or "pods/exec". "*"
	// matches any resource (but never a specific subresource).
	Resources []string `json:"resources"`
	// Operations this rule cares about. "*" matches any operation.
	Operations []Operation `json:"operations"`
	// Scope restricts matching to Namespaced or Cluster-scoped requests.
	// Empty or "*" matches both.
	// +optional
	Scope Scope `json:"scope,omitempty"`
}

// ServiceAccountReference grants a rule's script a bound token for C2 reads.
type ServiceAccountReference struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// ruleCommon holds the fields shared by ValidatingRule and MutatingRule.
type ruleCommon struct {
	// Name uniquely identifies the rule within its kind.
	Name string `json:"name"`
	// ObjectRules is the list of match entries; the rule matches if any
	// one of them matches the incoming request.
	ObjectRules []ObjectRule `json:"objectRules"`
	// NamespaceSelector restricts matching to namespaces whose labels
	// satisfy this selector.
	// +optional
	NamespaceSelector *metav1.LabelSelector `json:"namespaceSelector,omitempty"`
	// ObjectSelector restricts matching to objects whose labels satisfy
	// this selector.
	// +optional
	ObjectSelector *metav1.LabelSelector `json:"objectSelector,omitempty"`
	// ServiceAccount, if set, grants the script's kubeGet/kubeList calls
	// a token bound to this ServiceAccount. Absent means the script gets
	// no cluster-read access.
	// +optional
	ServiceAccount *ServiceAccountReference `json:"serviceAccount,omitempty"`
	// TimeoutSeconds bounds one invocation of Code. Defaults to 5s for
	// admission rules.
	// +optional
	TimeoutSeconds *int32 `json:"timeoutSeconds,omitempty"`
	// Code is the script source evaluated under the sandbox.
	Code string `json:"code"`
}

// ValidatingRule is a Rule whose script can only allow or deny.
type ValidatingRule struct {
	ruleCommon `json:",inline"`
}

// MutatingRule is a Rule whose script may additionally emit a JSON Patch.
type MutatingRule struct {
	ruleCommon `json:",inline"`
}

func (r *ValidatingRule) GetName() string                              { return r.Name }
func (r *ValidatingRule) GetObjectRules() []ObjectRule                 { return r.ObjectRules }
func (r *ValidatingRule) GetNamespaceSelector() *metav1.LabelSelector  { return r.NamespaceSelector }
func (r *ValidatingRule) GetObjectSelector() *metav1.LabelSelector     { return r.ObjectSelector }
func (r *ValidatingRule) GetServiceAccount() *ServiceAccountReference  { return r.ServiceAccount }
func (r *ValidatingRule) GetTimeoutSeconds() *int32                    { return r.TimeoutSeconds }
func (r *ValidatingRule) GetCode() string                              { return r.Code }
func (r *ValidatingRule) IsMutating() bool                             { return false }

func (r *MutatingRule) GetName() string                             { return r.Name }
func (r *MutatingRule) GetObjectRules() []ObjectRule                { return r.ObjectRules }
func (r *MutatingRule) GetNamespaceSelector() *metav1.LabelSelector { return r.NamespaceSelector }
func (r *MutatingRule) GetObjectSelector() *metav1.LabelSelector    { return r.ObjectSelector }
func (r *MutatingRule) GetServiceAccount() *ServiceAccountReference { return r.ServiceAccount }
func (r *MutatingRule) GetTimeoutSeconds() *int32                   { return r.TimeoutSeconds }
func (r *MutatingRule) GetCode() string                             { return r.Code }
func (r *MutatingRule) IsMutating() bool                            { return true }

// Rule is the common interface the matcher and dispatcher operate on,
// satisfied by both *ValidatingRule and *MutatingRule.
// +kubebuilder:object:generate:=false
type Rule interface {
	GetName() string
	GetObjectRules() []ObjectRule
	GetNamespaceSelector() *metav1.LabelSelector
	GetObjectSelector() *metav1.LabelSelector
	GetServiceAccount() *ServiceAccountReference
	GetTimeoutSeconds() *int32
	GetCode() string
	IsMutating() bool
}

// ResourceSelector is one positional entry of a CronPolicy's resource
// snapshot: it selects a GVK (and optional namespace/selectors) whose
// .items list is passed to the script as one of getResources()'s slots.
type ResourceSelector struct {
	Group     string `json:"group"`
	Version   string `json:"version"`
	Kind      string `json:"kind"`
	Resource  string `json:"resource"`
	Namespace string `json:"namespace,omitempty"`
	// +optional
	LabelSelector string `json:"labelSelector,omitempty"`
	// +optional
	FieldSelector string `json:"fieldSelector,omitempty"`
}

// NotificationSpec is opaque to the core beyond its template strings: the
// rendering contract (§6) substitutes {policy.name} and {output.<field>}
// and hands the rendered Title/Body to an external Notifier.
type NotificationSpec struct {
	Name  string `json:"name"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// RestartPolicy mirrors the CronJob-like contract CronPolicy exposes.
// Checkpoint's runner does not read it: a dropped/overlapping firing is
// logged at Warn whatever its value.
type RestartPolicy string

const (
	RestartPolicyNever     RestartPolicy = "Never"
	RestartPolicyOnFailure RestartPolicy = "OnFailure"
	RestartPolicyAlways    RestartPolicy = "Always"
)

// CronPolicy is a periodic check: on Schedule, the runner snapshots
// Resources, runs Code, and renders Notifications from its output.
type CronPolicy struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	// +optional
	Suspend bool `json:"suspend,omitempty"`
	// Resources is ordered: the positional index here is the positional
	// argument index the script sees via getResources().
	Resources []ResourceSelector `json:"resources"`
	Code      string             `json:"code"`
	// +optional
	ServiceAccount *ServiceAccountReference `json:"serviceAccount,omitempty"`
	// +optional
	TimeoutSeconds *int32 `json:"timeoutSeconds,omitempty"`
	// +optional
	Notifications []NotificationSpec `json:"notifications,omitempty"`
	// +optional
	RestartPolicy RestartPolicy `json:"restartPolicy,omitempty"`
}
