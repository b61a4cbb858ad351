package timing

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/yaml"
)

// ErrNoBaseline is returned when the PodScheduled condition is absent.
var ErrNoBaseline = errors.New("PodScheduled condition not found")

// Baseline is the condition every milestone is measured from.
const Baseline = string(corev1.PodScheduled)

// Milestones lists the reported conditions in output order.
var Milestones = []string{
	string(corev1.PodInitialized),
	string(corev1.PodReadyToStartContainers),
	string(corev1.ContainersReady),
	string(corev1.PodReady),
}

// Entry is one milestone and its offset from the baseline.
type Entry struct {
	Milestone string        `json:"milestone"`
	Duration  time.Duration `json:"-"`
}

// Seconds returns the offset in whole seconds.
func (e Entry) Seconds() int64 {
	return int64(e.Duration / time.Second)
}

// MarshalJSON renders the entry with an integer seconds field.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Milestone string `json:"milestone"`
		Seconds   int64  `json:"seconds"`
	}{e.Milestone, e.Seconds()})
}

// Report is the ordered list of milestones present on the pod.
type Report struct {
	Entries []Entry `json:"milestones"`
}

// Compute measures each present milestone against PodScheduled. Negative offsets are kept.
func Compute(store *Store) (Report, error) {
	if store == nil {
		return Report{}, ErrNoBaseline
	}
	base, ok := store.Get(Baseline)
	if !ok {
		return Report{}, ErrNoBaseline
	}

	report := Report{Entries: make([]Entry, 0, len(Milestones))}
	for _, name := range Milestones {
		at, ok := store.Get(name)
		if !ok {
			continue
		}
		report.Entries = append(report.Entries, Entry{
			Milestone: name,
			Duration:  at.Sub(base).Truncate(time.Second),
		})
	}
	return report, nil
}

// Write renders the report in the given format: text, json or yaml.
func (r Report) Write(w io.Writer, format string) error {
	switch format {
	case "", "text":
		for _, e := range r.Entries {
			if _, err := fmt.Fprintf(w, "%s: %ds\n", e.Milestone, e.Seconds()); err != nil {
				return err
			}
		}
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		out, err := yaml.Marshal(r)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}
