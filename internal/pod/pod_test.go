package pod_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/codex-k8s/ktime/internal/pod"
)

func testPod(phase corev1.PodPhase) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "default", ResourceVersion: "10"},
		Status:     corev1.PodStatus{Phase: phase},
	}
}

func countVerb(cs *fake.Clientset, verb string) int {
	n := 0
	for _, a := range cs.Actions() {
		if a.GetVerb() == verb && a.GetResource().Resource == "pods" {
			n++
		}
	}
	return n
}

func withWatcher(cs *fake.Clientset, w watch.Interface) {
	cs.PrependWatchReactor("pods", func(k8stesting.Action) (bool, watch.Interface, error) {
		return true, w, nil
	})
}

func withFreshWatchers(cs *fake.Clientset) {
	cs.PrependWatchReactor("pods", func(k8stesting.Action) (bool, watch.Interface, error) {
		return true, watch.NewFakeWithChanSize(1, false), nil
	})
}

func recordTransitions(r *pod.Reacher) *[]pod.State {
	var states []pod.State
	r.OnTransition = func(_, to pod.State) { states = append(states, to) }
	return &states
}

func TestReachRunning_AlreadyRunningSkipsWatch(t *testing.T) {
	t.Parallel()

	cs := fake.NewClientset(testPod(corev1.PodRunning))
	reacher := pod.NewReacher(cs, nil)
	states := recordTransitions(reacher)

	got, err := reacher.ReachRunning(context.Background(), "default", "web", time.Second)
	require.NoError(t, err)
	assert.Equal(t, corev1.PodRunning, got.Status.Phase)
	assert.Equal(t, 0, countVerb(cs, "watch"))
	assert.Equal(t, []pod.State{pod.StateReached}, *states)
}

func TestReachRunning_NotFound(t *testing.T) {
	t.Parallel()

	cs := fake.NewClientset()
	_, err := pod.NewReacher(cs, nil).ReachRunning(context.Background(), "default", "web", time.Second)

	require.ErrorIs(t, err, pod.ErrPodNotFound)
	assert.Contains(t, err.Error(), "default/web")
	assert.Equal(t, 0, countVerb(cs, "watch"))
	assert.Equal(t, 1, countVerb(cs, "get"))
}

func TestReachRunning_WatchReachesRunning(t *testing.T) {
	t.Parallel()

	cs := fake.NewClientset(testPod(corev1.PodPending))
	w := watch.NewFakeWithChanSize(4, false)
	w.Modify(testPod(corev1.PodPending))
	w.Error(&metav1.Status{Status: metav1.StatusFailure, Message: "transient", Reason: metav1.StatusReasonExpired})
	w.Modify(testPod(corev1.PodRunning))
	withWatcher(cs, w)

	reacher := pod.NewReacher(cs, nil)
	states := recordTransitions(reacher)

	got, err := reacher.ReachRunning(context.Background(), "default", "web", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, corev1.PodRunning, got.Status.Phase)
	assert.Equal(t, []pod.State{pod.StateWatching, pod.StateReached}, *states)
	assert.Equal(t, 1, countVerb(cs, "get"))

	var watchAction k8stesting.WatchAction
	for _, a := range cs.Actions() {
		if wa, ok := a.(k8stesting.WatchAction); ok {
			watchAction = wa
		}
	}
	require.NotNil(t, watchAction)
	assert.Equal(t, "metadata.name=web", watchAction.GetWatchRestrictions().Fields.String())
	assert.Equal(t, "default", watchAction.GetNamespace())
}

func TestReachRunning_TimeoutFallsBackToFetch(t *testing.T) {
	t.Parallel()

	cs := fake.NewClientset(testPod(corev1.PodPending))
	withFreshWatchers(cs)

	reacher := pod.NewReacher(cs, nil)
	states := recordTransitions(reacher)

	got, err := reacher.ReachRunning(context.Background(), "default", "web", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, corev1.PodPending, got.Status.Phase)
	assert.Equal(t, []pod.State{pod.StateWatching, pod.StateTimedOut}, *states)
	assert.Equal(t, 2, countVerb(cs, "get"))
	assert.Equal(t, 1, countVerb(cs, "watch"))
}

func TestReachRunning_ClosedStreamFallsBackToFetch(t *testing.T) {
	t.Parallel()

	cs := fake.NewClientset(testPod(corev1.PodPending))
	w := watch.NewFakeWithChanSize(1, false)
	w.Stop()
	withWatcher(cs, w)

	gets := 0
	cs.PrependReactor("get", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		gets++
		if gets == 1 {
			return true, testPod(corev1.PodPending), nil
		}
		return true, testPod(corev1.PodRunning), nil
	})

	reacher := pod.NewReacher(cs, nil)
	states := recordTransitions(reacher)

	got, err := reacher.ReachRunning(context.Background(), "default", "web", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, corev1.PodRunning, got.Status.Phase)
	assert.Equal(t, []pod.State{pod.StateWatching, pod.StateTimedOut, pod.StateReached}, *states)
}

func TestReachRunning_ContextCancelled(t *testing.T) {
	t.Parallel()

	cs := fake.NewClientset(testPod(corev1.PodPending))
	withFreshWatchers(cs)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := pod.NewReacher(cs, nil).ReachRunning(ctx, "default", "web", 10*time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoller_ReachesRunning(t *testing.T) {
	t.Parallel()

	cs := fake.NewClientset(testPod(corev1.PodPending))
	w := watch.NewFakeWithChanSize(1, false)
	w.Modify(testPod(corev1.PodRunning))
	withWatcher(cs, w)

	poller := pod.NewPoller(pod.NewReacher(cs, nil), nil)
	poller.Interval = 10 * time.Millisecond
	poller.WatchTimeout = time.Second

	got, err := poller.WaitRunning(context.Background(), "default", "web")
	require.NoError(t, err)
	assert.Equal(t, corev1.PodRunning, got.Status.Phase)
}

func TestPoller_MaxAttempts(t *testing.T) {
	t.Parallel()

	cs := fake.NewClientset(testPod(corev1.PodPending))
	withFreshWatchers(cs)

	poller := pod.NewPoller(pod.NewReacher(cs, nil), nil)
	poller.Interval = 10 * time.Millisecond
	poller.WatchTimeout = 20 * time.Millisecond
	poller.MaxAttempts = 2

	_, err := poller.WaitRunning(context.Background(), "default", "web")
	require.ErrorIs(t, err, pod.ErrNotRunning)
	assert.Contains(t, err.Error(), "Pending")
	assert.Equal(t, 2, countVerb(cs, "watch"))
}

func TestPoller_FinishedPodReturned(t *testing.T) {
	t.Parallel()

	cs := fake.NewClientset(testPod(corev1.PodSucceeded))
	withFreshWatchers(cs)

	poller := pod.NewPoller(pod.NewReacher(cs, nil), nil)
	poller.Interval = 10 * time.Millisecond
	poller.WatchTimeout = 20 * time.Millisecond

	got, err := poller.WaitRunning(context.Background(), "default", "web")
	require.NoError(t, err)
	assert.Equal(t, corev1.PodSucceeded, got.Status.Phase)
	assert.Equal(t, 1, countVerb(cs, "watch"))
}

func TestPoller_NotFoundIsTerminal(t *testing.T) {
	t.Parallel()

	cs := fake.NewClientset()
	poller := pod.NewPoller(pod.NewReacher(cs, nil), nil)
	poller.Interval = 10 * time.Millisecond

	_, err := poller.WaitRunning(context.Background(), "default", "web")
	require.ErrorIs(t, err, pod.ErrPodNotFound)
	assert.Equal(t, 1, countVerb(cs, "get"))
}
