// Package timing turns pod condition transition times into offsets from scheduling.
package timing

import (
	"errors"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
)

// ErrMissingStatus is returned for a pod that has no status block yet.
var ErrMissingStatus = errors.New("pod has no status")

// Store maps condition names to their last transition time, keeping first-seen order.
type Store struct {
	order []string
	times map[string]time.Time
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{times: make(map[string]time.Time)}
}

// Set records a transition time. A repeated name overwrites the time but keeps its position.
func (s *Store) Set(name string, at time.Time) {
	if _, exists := s.times[name]; !exists {
		s.order = append(s.order, name)
	}
	s.times[name] = at
}

// Get returns the transition time for name.
func (s *Store) Get(name string) (time.Time, bool) {
	at, ok := s.times[name]
	return at, ok
}

// Names returns condition names in first-seen order.
func (s *Store) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Len returns the number of recorded conditions.
func (s *Store) Len() int {
	return len(s.order)
}

// BuildStore collects the pod's conditions. Conditions without a transition time are skipped.
func BuildStore(pod *corev1.Pod, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if pod == nil || isEmptyStatus(&pod.Status) {
		return nil, ErrMissingStatus
	}

	store := NewStore()
	for _, cond := range pod.Status.Conditions {
		if cond.Type == "" || cond.LastTransitionTime.IsZero() {
			logger.Debug("skipping condition without transition time", "pod", pod.Name, "condition", string(cond.Type))
			continue
		}
		store.Set(string(cond.Type), cond.LastTransitionTime.Time)
	}
	return store, nil
}

func isEmptyStatus(status *corev1.PodStatus) bool {
	return status.Phase == "" &&
		len(status.Conditions) == 0 &&
		status.StartTime == nil &&
		len(status.ContainerStatuses) == 0 &&
		len(status.InitContainerStatuses) == 0
}
