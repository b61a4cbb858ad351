// Package discovery maps a manifest's type metadata onto the REST resource the cluster serves for it.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/discovery"
)

// ErrMissingTypeMetadata is returned when apiVersion or kind is absent or malformed.
var ErrMissingTypeMetadata = errors.New("missing type metadata")

// Descriptor describes how objects of one GVK are addressed on the server.
// It is only meaningful for the Snapshot it was looked up in.
type Descriptor struct {
	GVK        schema.GroupVersionKind
	Resource   schema.GroupVersionResource
	Namespaced bool
	Verbs      []string
}

// Supports reports whether the resource accepts the given verb.
func (d Descriptor) Supports(verb string) bool {
	return slices.Contains(d.Verbs, verb)
}

// Snapshot is the API surface discovered from one cluster at one point in time.
type Snapshot struct {
	resources map[schema.GroupVersionKind]Descriptor
	failed    map[schema.GroupVersion]error
}

// Resolve reads apiVersion and kind from the object.
func Resolve(obj *unstructured.Unstructured) (schema.GroupVersionKind, error) {
	if obj == nil {
		return schema.GroupVersionKind{}, fmt.Errorf("%w: object is nil", ErrMissingTypeMetadata)
	}

	apiVersion, err := requiredString(obj.Object, "apiVersion")
	if err != nil {
		return schema.GroupVersionKind{}, err
	}
	kind, err := requiredString(obj.Object, "kind")
	if err != nil {
		return schema.GroupVersionKind{}, err
	}

	gv, err := schema.ParseGroupVersion(apiVersion)
	if err != nil {
		return schema.GroupVersionKind{}, fmt.Errorf("%w: apiVersion %q: %w", ErrMissingTypeMetadata, apiVersion, err)
	}
	if gv.Version == "" {
		return schema.GroupVersionKind{}, fmt.Errorf("%w: apiVersion %q has no version", ErrMissingTypeMetadata, apiVersion)
	}

	return gv.WithKind(kind), nil
}

func requiredString(obj map[string]any, field string) (string, error) {
	value, found, err := unstructured.NestedString(obj, field)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrMissingTypeMetadata, field, err)
	}
	if !found || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%w: %s is not set", ErrMissingTypeMetadata, field)
	}
	return strings.TrimSpace(value), nil
}

// Discover queries the cluster's served resources once.
// Groups that fail discovery are logged and left out; other errors abort.
func Discover(ctx context.Context, logger *slog.Logger, client discovery.ServerResourcesInterface) (*Snapshot, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	_, lists, err := client.ServerGroupsAndResources()
	var failed map[schema.GroupVersion]error
	if err != nil {
		var groupErr *discovery.ErrGroupDiscoveryFailed
		if !errors.As(err, &groupErr) {
			return nil, fmt.Errorf("discover API resources: %w", err)
		}
		failed = groupErr.Groups
		for gv, gvErr := range failed {
			logger.Warn("API group discovery failed, continuing without it", "groupVersion", gv.String(), "error", gvErr)
		}
	}

	snapshot := NewSnapshot(lists)
	snapshot.failed = failed
	logger.Debug("discovered API resources", "kinds", len(snapshot.resources))
	return snapshot, nil
}

// NewSnapshot indexes resource lists by GVK. Subresources are skipped and the
// first resource registered for a GVK wins.
func NewSnapshot(lists []*metav1.APIResourceList) *Snapshot {
	s := &Snapshot{resources: make(map[schema.GroupVersionKind]Descriptor)}
	for _, list := range lists {
		if list == nil {
			continue
		}
		gv, err := schema.ParseGroupVersion(list.GroupVersion)
		if err != nil {
			continue
		}
		for _, r := range list.APIResources {
			if strings.Contains(r.Name, "/") || r.Kind == "" {
				continue
			}
			group, version := gv.Group, gv.Version
			if r.Group != "" {
				group = r.Group
			}
			if r.Version != "" {
				version = r.Version
			}
			gvk := schema.GroupVersionKind{Group: group, Version: version, Kind: r.Kind}
			if _, exists := s.resources[gvk]; exists {
				continue
			}
			s.resources[gvk] = Descriptor{
				GVK:        gvk,
				Resource:   schema.GroupVersionResource{Group: group, Version: version, Resource: r.Name},
				Namespaced: r.Namespaced,
				Verbs:      slices.Clone([]string(r.Verbs)),
			}
		}
	}
	return s
}

// Lookup returns the descriptor for gvk, or false when the cluster does not serve it.
func (s *Snapshot) Lookup(gvk schema.GroupVersionKind) (Descriptor, bool) {
	if s == nil {
		return Descriptor{}, false
	}
	d, ok := s.resources[gvk]
	return d, ok
}

// GroupFailed reports whether discovery of gv failed, which makes a lookup miss inconclusive.
func (s *Snapshot) GroupFailed(gv schema.GroupVersion) bool {
	if s == nil {
		return false
	}
	_, ok := s.failed[gv]
	return ok
}

// Len returns the number of indexed kinds.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.resources)
}
