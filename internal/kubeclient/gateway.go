// Package kubeclient is the Kube Read Gateway (C2): it mints ServiceAccount
// bound tokens via TokenRequest and serves the sandbox's kubeGet/kubeList
// calls through a token-scoped dynamic client, following the
// dynamicClient+clientset split of audit-scanner's internal/k8s.Client.
package kubeclient

import (
	"context"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"

	checkpointv1 "github.com/devsisters/checkpoint/api/v1"
	"github.com/devsisters/checkpoint/internal/errs"
)

// Gateway is the concrete sandbox.KubeReader: every Get/List call mints or
// reuses a token bound to the rule's declared ServiceAccount and performs
// the read under that identity, never under Checkpoint's own.
type Gateway struct {
	restConfig *rest.Config
	clientset  kubernetes.Interface
	mapper     meta.RESTMapper
	tokens     *tokenCache
}

// NewGateway builds a Gateway from a base rest.Config (Checkpoint's own
// identity, used only to call the TokenRequest API, to run discovery, and
// to read namespace labels in NamespaceLabels).
func NewGateway(config *rest.Config) (*Gateway, error) {
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("kubeclient: building clientset: %w", err)
	}

	groupResources, err := restmapper.GetAPIGroupResources(clientset.Discovery())
	if err != nil {
		return nil, fmt.Errorf("kubeclient: discovering API groups: %w", err)
	}

	return &Gateway{
		restConfig: config,
		clientset:  clientset,
		mapper:     restmapper.NewDiscoveryRESTMapper(groupResources),
		tokens:     newTokenCache(clientset),
	}, nil
}

// NamespaceLabels fetches a namespace's labels under Checkpoint's own
// identity (not a rule's ServiceAccount): matching needs this before a
// rule is even selected, following audit-scanner's Client.GetNamespace.
func (g *Gateway) NamespaceLabels(ctx context.Context, name string) (map[string]string, error) {
	ns, err := g.clientset.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, wrapKubeError(err)
	}
	return ns.Labels, nil
}

func (g *Gateway) dynamicClientFor(ctx context.Context, sa *checkpointv1.ServiceAccountReference) (dynamic.Interface, error) {
	token, err := g.tokens.Get(ctx, sa)
	if err != nil {
		return nil, &errs.KubeClientError{Message: fmt.Sprintf("minting token for %s/%s: %v", sa.Namespace, sa.Name, err)}
	}

	cfg := rest.CopyConfig(g.restConfig)
	cfg.BearerToken = token
	cfg.BearerTokenFile = ""
	cfg.Username = ""
	cfg.Password = ""
	cfg.AuthProvider = nil
	cfg.ExecProvider = nil
	cfg.CertData = nil
	cfg.CertFile = ""
	cfg.KeyData = nil
	cfg.KeyFile = ""

	return dynamic.NewForConfig(cfg)
}

func (g *Gateway) resolve(group, version, kind string) (schema.GroupVersionResource, meta.RESTScopeName, error) {
	mapping, err := g.mapper.RESTMapping(schema.GroupKind{Group: group, Kind: kind}, version)
	if err != nil {
		return schema.GroupVersionResource{}, "", err
	}
	return mapping.Resource, mapping.Scope.Name(), nil
}

// Get fetches one object under the rule's ServiceAccount identity. A nil
// ServiceAccountReference is always Forbidden (spec.md §4.2: "absence of
// an SA means the request fails"). A 404 from the apiserver is reported as
// (nil, nil), matching kubeGet's "returns null, not an error" contract.
func (g *Gateway) Get(ctx context.Context, sa *checkpointv1.ServiceAccountReference, group, version, kind, namespace, name string) (map[string]any, error) {
	if sa == nil {
		return nil, &errs.KubeClientError{Message: "no serviceAccount granted to this rule", Forbidden: true}
	}

	gvr, scope, err := g.resolve(group, version, kind)
	if err != nil {
		return nil, &errs.KubeClientError{Message: fmt.Sprintf("resolving kind %q: %v", kind, err)}
	}

	dyn, err := g.dynamicClientFor(ctx, sa)
	if err != nil {
		return nil, err
	}

	var res dynamic.ResourceInterface = dyn.Resource(gvr)
	if scope == meta.RESTScopeNameNamespace {
		res = dyn.Resource(gvr).Namespace(namespace)
	}

	obj, err := res.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, wrapKubeError(err)
	}
	return obj.UnstructuredContent(), nil
}

// List fetches a collection under the rule's ServiceAccount identity.
func (g *Gateway) List(ctx context.Context, sa *checkpointv1.ServiceAccountReference, group, version, kind, namespace, labelSelector, fieldSelector string) (map[string]any, error) {
	if sa == nil {
		return nil, &errs.KubeClientError{Message: "no serviceAccount granted to this rule", Forbidden: true}
	}

	gvr, scope, err := g.resolve(group, version, kind)
	if err != nil {
		return nil, &errs.KubeClientError{Message: fmt.Sprintf("resolving kind %q: %v", kind, err)}
	}

	dyn, err := g.dynamicClientFor(ctx, sa)
	if err != nil {
		return nil, err
	}

	var res dynamic.ResourceInterface = dyn.Resource(gvr)
	if scope == meta.RESTScopeNameNamespace {
		res = dyn.Resource(gvr).Namespace(namespace)
	}

	list, err := res.List(ctx, metav1.ListOptions{LabelSelector: labelSelector, FieldSelector: fieldSelector})
	if err != nil {
		return nil, wrapKubeError(err)
	}
	return list.UnstructuredContent(), nil
}

func wrapKubeError(err error) error {
	return &errs.KubeClientError{Message: err.Error(), Forbidden: apierrors.IsForbidden(err)}
}
