package pod

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/wait"
)

// DefaultPollInterval separates reacher attempts.
const DefaultPollInterval = 15 * time.Second

// ErrNotRunning is returned when the attempt budget is spent before the pod runs.
var ErrNotRunning = errors.New("pod did not reach Running")

// Poller re-invokes a Reacher until the pod runs, finishes, or attempts run out.
type Poller struct {
	reacher *Reacher
	logger  *slog.Logger

	// WatchTimeout bounds each watch session.
	WatchTimeout time.Duration
	// Interval is the delay between attempts.
	Interval time.Duration
	// MaxAttempts caps the number of reacher invocations; 0 means no cap.
	MaxAttempts int
}

// NewPoller constructs a Poller with default timings.
func NewPoller(reacher *Reacher, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		reacher:      reacher,
		logger:       logger,
		WatchTimeout: DefaultWatchTimeout,
		Interval:     DefaultPollInterval,
	}
}

// WaitRunning returns the pod once it is Running. A pod that already finished
// (Succeeded or Failed) is returned as-is since its conditions will not change again.
func (p *Poller) WaitRunning(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	var (
		attempts int
		result   *corev1.Pod
	)
	err := wait.PollUntilContextCancel(ctx, interval, true, func(ctx context.Context) (bool, error) {
		attempts++
		pod, err := p.reacher.ReachRunning(ctx, namespace, name, p.WatchTimeout)
		if err != nil {
			return false, err
		}
		result = pod

		switch pod.Status.Phase {
		case corev1.PodRunning:
			return true, nil
		case corev1.PodSucceeded, corev1.PodFailed:
			p.logger.Warn("pod finished before it was observed running", "pod", name, "namespace", namespace, "phase", pod.Status.Phase)
			return true, nil
		}

		if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
			return false, fmt.Errorf("%w: %s/%s still %s after %d attempts", ErrNotRunning, namespace, name, phaseOrUnknown(pod.Status.Phase), attempts)
		}
		p.logger.Info("pod not running yet, polling again", "pod", name, "namespace", namespace, "phase", phaseOrUnknown(pod.Status.Phase), "attempt", attempts, "interval", interval)
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func phaseOrUnknown(phase corev1.PodPhase) corev1.PodPhase {
	if phase == "" {
		return corev1.PodUnknown
	}
	return phase
}
