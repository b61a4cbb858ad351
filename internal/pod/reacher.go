// Package pod waits for a pod to reach the Running phase.
package pod

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
)

// DefaultWatchTimeout bounds one watch session when the caller passes zero.
const DefaultWatchTimeout = 30 * time.Second

// ErrPodNotFound is returned when the pod does not exist at the first fetch.
var ErrPodNotFound = errors.New("pod not found")

// State is a step of the reacher's state machine.
type State string

const (
	// StateFetching is a direct get of the pod.
	StateFetching State = "Fetching"
	// StateWatching consumes a watch stream looking for phase Running.
	StateWatching State = "Watching"
	// StateTimedOut means the watch ended without Running; one more fetch follows.
	StateTimedOut State = "TimedOut"
	// StateReached means a Running pod was observed.
	StateReached State = "Reached"
)

// Reacher fetches and watches a single pod until it runs or one watch session ends.
type Reacher struct {
	client kubernetes.Interface
	logger *slog.Logger

	// OnTransition, when set, is called on every state change.
	OnTransition func(from, to State)
}

// NewReacher constructs a Reacher.
func NewReacher(client kubernetes.Interface, logger *slog.Logger) *Reacher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reacher{client: client, logger: logger}
}

// ReachRunning returns the pod once it is Running, or the pod as observed after one bounded
// watch session. The returned pod may therefore be in any phase; callers loop if needed.
func (r *Reacher) ReachRunning(ctx context.Context, namespace, name string, timeout time.Duration) (*corev1.Pod, error) {
	if timeout <= 0 {
		timeout = DefaultWatchTimeout
	}
	log := r.logger.With("pod", name, "namespace", namespace)

	var (
		state = StateFetching
		pod   *corev1.Pod
		err   error
	)
	for {
		switch state {
		case StateFetching:
			pod, err = r.get(ctx, namespace, name)
			if err != nil {
				return nil, err
			}
			log.Debug("fetched pod", "phase", pod.Status.Phase)
			if pod.Status.Phase == corev1.PodRunning {
				state = r.transition(state, StateReached)
				continue
			}
			state = r.transition(state, StateWatching)

		case StateWatching:
			var running *corev1.Pod
			running, err = r.watch(ctx, log, namespace, name, pod.ResourceVersion, timeout)
			if err != nil {
				return nil, err
			}
			if running != nil {
				pod = running
				state = r.transition(state, StateReached)
				continue
			}
			state = r.transition(state, StateTimedOut)

		case StateTimedOut:
			pod, err = r.get(ctx, namespace, name)
			if err != nil {
				return nil, err
			}
			log.Debug("watch ended without Running", "phase", pod.Status.Phase)
			if pod.Status.Phase == corev1.PodRunning {
				r.transition(state, StateReached)
			}
			return pod, nil

		case StateReached:
			log.Debug("pod is running")
			return pod, nil
		}
	}
}

func (r *Reacher) transition(from, to State) State {
	if r.OnTransition != nil {
		r.OnTransition(from, to)
	}
	return to
}

func (r *Reacher) get(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	pod, err := r.client.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrPodNotFound, namespace, name)
		}
		return nil, fmt.Errorf("get pod %s/%s: %w", namespace, name, err)
	}
	return pod, nil
}

// watch returns the Running pod, or nil when the session timed out or the stream closed.
func (r *Reacher) watch(ctx context.Context, log *slog.Logger, namespace, name, resourceVersion string, timeout time.Duration) (*corev1.Pod, error) {
	timeoutSeconds := int64(timeout / time.Second)
	if timeoutSeconds < 1 {
		timeoutSeconds = 1
	}

	w, err := r.client.CoreV1().Pods(namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector:   fields.OneTermEqualSelector("metadata.name", name).String(),
		ResourceVersion: resourceVersion,
		TimeoutSeconds:  &timeoutSeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("watch pod %s/%s: %w", namespace, name, err)
	}
	defer w.Stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			log.Debug("watch session timed out", "timeout", timeout)
			return nil, nil
		case event, ok := <-w.ResultChan():
			if !ok {
				log.Debug("watch stream closed")
				return nil, nil
			}
			switch event.Type {
			case watch.Error:
				log.Warn("watch error event", "error", apierrors.FromObject(event.Object))
			case watch.Deleted:
				log.Warn("pod deleted while watching")
			case watch.Added, watch.Modified:
				pod, ok := event.Object.(*corev1.Pod)
				if !ok {
					continue
				}
				log.Debug("pod event", "type", event.Type, "phase", pod.Status.Phase)
				if pod.Status.Phase == corev1.PodRunning {
					return pod, nil
				}
			}
		}
	}
}
