package types

import "time"

// EventKind is the type of a watch event. Kinds other than the three below
// are possible (BOOKMARK, or anything a future API server emits).
type EventKind string

const (
	Added    EventKind = "ADDED"
	Modified EventKind = "MODIFIED"
	Deleted  EventKind = "DELETED"
)

// ConfigObject is the part of a ConfigMap the sidecar cares about
type ConfigObject struct {
	Namespace       string            `json:"namespace"`
	Name            string            `json:"name"`
	ResourceVersion string            `json:"resource_version"`
	Labels          map[string]string `json:"labels,omitempty"`
	Data            map[string]string `json:"data,omitempty"`
}

func (o ConfigObject) Key() string {
	return o.Namespace + "/" + o.Name
}

// HasLabel reports whether the label key is present. The value is ignored.
func (o ConfigObject) HasLabel(label string) bool {
	if o.Labels == nil {
		return false
	}
	_, ok := o.Labels[label]
	return ok
}

// ChangeEvent is one observation from the watch stream
type ChangeEvent struct {
	Kind   EventKind    `json:"kind"`
	Object ConfigObject `json:"object"`
}

// SyncRecord remembers which files were written for an object.
type SyncRecord struct {
	Key             string    `json:"key"`
	Namespace       string    `json:"namespace"`
	Name            string    `json:"name"`
	ResourceVersion string    `json:"resource_version"`
	Kind            EventKind `json:"kind"`
	Files           []string  `json:"files"`
	Timestamp       time.Time `json:"timestamp"`
}
