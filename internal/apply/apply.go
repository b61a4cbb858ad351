// Package apply server-side-applies untyped objects through the dynamic client.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/dynamic"

	"github.com/codex-k8s/ktime/internal/discovery"
)

var (
	// ErrDiscoveryMismatch is returned when no descriptor was found for the object's kind.
	ErrDiscoveryMismatch = errors.New("no API resource registered for kind")
	// ErrApplyRejected is returned when the server (or the descriptor's verbs) refuse the patch.
	ErrApplyRejected = errors.New("apply rejected")
	// ErrMissingName is returned when metadata.name is absent.
	ErrMissingName = errors.New("missing metadata.name")
)

// Target is where an object will land.
type Target struct {
	Namespace string
	Name      string
}

// String renders the target as namespace/name, or name for cluster-scoped objects.
func (t Target) String() string {
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "/" + t.Name
}

// Applier performs forced server-side apply with a fixed field manager.
type Applier struct {
	client       dynamic.Interface
	fieldManager string
	logger       *slog.Logger
}

// NewApplier constructs an Applier.
func NewApplier(client dynamic.Interface, fieldManager string, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{client: client, fieldManager: fieldManager, logger: logger}
}

// ResolveTarget derives name and namespace for obj. The manifest's namespace wins over
// defaultNamespace; cluster-scoped descriptors get no namespace at all.
func ResolveTarget(obj *unstructured.Unstructured, desc *discovery.Descriptor, defaultNamespace string) (Target, error) {
	if obj == nil {
		return Target{}, ErrMissingName
	}
	name, found, err := unstructured.NestedString(obj.Object, "metadata", "name")
	if err != nil {
		return Target{}, fmt.Errorf("%w: %w", ErrMissingName, err)
	}
	if !found || strings.TrimSpace(name) == "" {
		return Target{}, ErrMissingName
	}

	if desc != nil && !desc.Namespaced {
		return Target{Name: name}, nil
	}

	namespace, _, err := unstructured.NestedString(obj.Object, "metadata", "namespace")
	if err != nil {
		return Target{}, fmt.Errorf("metadata.namespace: %w", err)
	}
	if strings.TrimSpace(namespace) == "" {
		namespace = defaultNamespace
	}
	return Target{Namespace: namespace, Name: name}, nil
}

// Apply sends obj as a forced server-side apply patch. It never reads the live object first,
// so re-applying the same content is a no-op from the server's point of view.
func (a *Applier) Apply(ctx context.Context, desc *discovery.Descriptor, defaultNamespace string, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	kind := obj.GetKind()
	if desc == nil {
		return nil, fmt.Errorf("%w %s %q", ErrDiscoveryMismatch, kind, obj.GetName())
	}

	target, err := ResolveTarget(obj, desc, defaultNamespace)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}

	if !desc.Supports("patch") {
		return nil, fmt.Errorf("%w: %s %s: resource %s does not support patch", ErrApplyRejected, kind, target, desc.Resource.Resource)
	}

	body := obj.DeepCopy()
	if desc.Namespaced {
		body.SetNamespace(target.Namespace)
	}

	resources := a.client.Resource(desc.Resource)
	var resource dynamic.ResourceInterface = resources
	if desc.Namespaced {
		resource = resources.Namespace(target.Namespace)
	}

	a.logger.Debug("applying object", "kind", kind, "target", target.String(), "resource", desc.Resource.String(), "fieldManager", a.fieldManager)
	applied, err := resource.Apply(ctx, target.Name, body, metav1.ApplyOptions{
		FieldManager: a.fieldManager,
		Force:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrApplyRejected, kind, target, err)
	}

	a.logger.Info("applied object", "kind", kind, "target", target.String(), "resourceVersion", applied.GetResourceVersion())
	return applied, nil
}
