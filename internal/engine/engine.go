// Package engine wires loading, discovery, apply and pod timing into the two ktime flows.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/codex-k8s/ktime/internal/apply"
	"github.com/codex-k8s/ktime/internal/discovery"
	"github.com/codex-k8s/ktime/internal/kube"
	"github.com/codex-k8s/ktime/internal/manifest"
	"github.com/codex-k8s/ktime/internal/pod"
	"github.com/codex-k8s/ktime/internal/timing"
)

var podGroupKind = schema.GroupKind{Kind: "Pod"}

// Options carries the tunables resolved from flags, env and config.
type Options struct {
	// Namespace is the default namespace.
	Namespace string
	// FieldManager is the server-side apply field manager.
	FieldManager string
	// WatchTimeout bounds one watch session.
	WatchTimeout time.Duration
	// PollInterval separates reacher attempts.
	PollInterval time.Duration
	// MaxAttempts caps reacher attempts; 0 means unbounded.
	MaxAttempts int
	// NoWait stops the run flow after apply.
	NoWait bool
}

// Engine runs the collect and run flows against one cluster connection.
type Engine struct {
	client *kube.Client
	opts   Options
	logger *slog.Logger
}

// NewEngine constructs an Engine.
func NewEngine(client *kube.Client, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{client: client, opts: opts, logger: logger}
}

// RunResult describes what the run flow did.
type RunResult struct {
	// GVK is the manifest's resolved type.
	GVK schema.GroupVersionKind
	// Target is the applied object's namespace and name.
	Target apply.Target
	// Skipped is set when the cluster serves no resource for GVK and nothing was applied.
	Skipped bool
	// Applied is the object returned by the server.
	Applied *unstructured.Unstructured
	// Report is set when the applied object is a Pod.
	Report *timing.Report
}

// Collect waits for an existing pod to run and measures its condition timings.
func (e *Engine) Collect(ctx context.Context, namespace, name string) (timing.Report, error) {
	if namespace == "" {
		namespace = e.opts.Namespace
	}
	e.logger.Info("collecting pod startup timings", "pod", name, "namespace", namespace)

	poller := pod.NewPoller(pod.NewReacher(e.client.Typed, e.logger), e.logger)
	if e.opts.WatchTimeout > 0 {
		poller.WatchTimeout = e.opts.WatchTimeout
	}
	if e.opts.PollInterval > 0 {
		poller.Interval = e.opts.PollInterval
	}
	poller.MaxAttempts = e.opts.MaxAttempts

	running, err := poller.WaitRunning(ctx, namespace, name)
	if err != nil {
		return timing.Report{}, err
	}

	store, err := timing.BuildStore(running, e.logger)
	if err != nil {
		return timing.Report{}, fmt.Errorf("pod %s/%s: %w", namespace, name, err)
	}
	report, err := timing.Compute(store)
	if err != nil {
		return timing.Report{}, fmt.Errorf("pod %s/%s: %w", namespace, name, err)
	}
	return report, nil
}

// Run applies the manifest at path and, for Pods, collects its startup timings.
func (e *Engine) Run(ctx context.Context, path string, loadOpts manifest.LoadOptions) (RunResult, error) {
	doc, err := manifest.Load(path, loadOpts)
	if err != nil {
		return RunResult{}, err
	}

	gvk, err := discovery.Resolve(doc.Object)
	if err != nil {
		return RunResult{}, fmt.Errorf("manifest %q: %w", path, err)
	}
	result := RunResult{GVK: gvk}

	if _, err := apply.ResolveTarget(doc.Object, nil, e.opts.Namespace); err != nil {
		return result, fmt.Errorf("manifest %q (%s): %w", path, gvk.Kind, err)
	}

	snapshot, err := discovery.Discover(ctx, e.logger, e.client.Discovery)
	if err != nil {
		return result, err
	}

	desc, ok := snapshot.Lookup(gvk)
	if !ok {
		e.logger.Warn("cluster serves no resource for manifest kind, skipping apply",
			"apiVersion", gvk.GroupVersion().String(), "kind", gvk.Kind, "name", doc.Object.GetName(),
			"groupDiscoveryFailed", snapshot.GroupFailed(gvk.GroupVersion()))
		result.Skipped = true
		return result, nil
	}

	target, err := apply.ResolveTarget(doc.Object, &desc, e.opts.Namespace)
	if err != nil {
		return result, fmt.Errorf("manifest %q (%s): %w", path, gvk.Kind, err)
	}
	result.Target = target

	applied, err := apply.NewApplier(e.client.Dynamic, e.opts.FieldManager, e.logger).Apply(ctx, &desc, e.opts.Namespace, doc.Object)
	if err != nil {
		return result, err
	}
	result.Applied = applied
	// The submitted identity stands when the response omits a name.
	if name := applied.GetName(); name != "" {
		result.Target = apply.Target{Namespace: applied.GetNamespace(), Name: name}
	}

	if gvk.GroupKind() != podGroupKind || gvk.Version != corev1.SchemeGroupVersion.Version {
		e.logger.Info("applied object is not a Pod, no startup timings to collect", "kind", gvk.Kind, "target", result.Target.String())
		return result, nil
	}

	if e.opts.NoWait {
		e.logger.Info("pod applied, not waiting for startup", "target", result.Target.String())
		return result, nil
	}

	report, err := e.Collect(ctx, result.Target.Namespace, result.Target.Name)
	if err != nil {
		return result, err
	}
	result.Report = &report
	return result, nil
}
