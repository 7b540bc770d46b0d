// Package engine turns watch events into file mutations and reload
// notifications.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aonescu/configsync/internal/filesync"
	"github.com/aonescu/configsync/internal/metrics"
	"github.com/aonescu/configsync/internal/state"
	"github.com/aonescu/configsync/internal/types"
)

// Notifier tells the companion process that its files changed. It must not
// block forever and never fails the caller.
type Notifier interface {
	Notify(ctx context.Context)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context)

func (f NotifierFunc) Notify(ctx context.Context) { f(ctx) }

type Engine struct {
	label    string
	writer   *filesync.Writer
	notifier Notifier
	store    state.StateStore
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func New(label string, writer *filesync.Writer, notifier Notifier, store state.StateStore, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if m == nil {
		m = metrics.New()
	}
	return &Engine{
		label:    label,
		writer:   writer,
		notifier: notifier,
		store:    store,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Handle applies one watch event. Failures are logged per file and never
// stop the stream.
func (e *Engine) Handle(ctx context.Context, ev types.ChangeEvent) {
	obj := ev.Object
	e.metrics.Events.WithLabelValues(string(ev.Kind)).Inc()
	log := e.logger.With("configmap", obj.Key(), "event", ev.Kind)
	log.Debug("Start of stream loop")

	// Unlabelled objects are never touched from the stream, even when they
	// were synced before. Resync cleans those up.
	if !obj.HasLabel(e.label) {
		e.metrics.SkippedEvents.WithLabelValues("label").Inc()
		return
	}

	previous, tracked := e.store.GetByKey(obj.Key())

	log.Info(fmt.Sprintf("Working on configmap %s", obj.Key()))
	log.Info("Configmap with label found")

	switch ev.Kind {
	case types.Added, types.Modified:
		e.apply(ctx, log, obj, ev.Kind, previous.Files, false, nil)
	default:
		// DELETED, and any other kind that carries a ConfigMap, take the delete path.
		files := sortedKeys(obj.Data)
		if tracked {
			files = union(files, previous.Files)
		}
		if len(files) == 0 {
			log.Error("Configmap does not have data.")
			e.metrics.SkippedEvents.WithLabelValues("no_data").Inc()
			return
		}
		record := e.recordFor(obj, ev.Kind, files)
		e.removeAll(ctx, log, record, false)
	}
}

// Resync converges the folder with a full listing. Files are only touched
// and notifications only sent where the content actually differs, so a
// periodic relist stays quiet. Tracked objects missing from the listing, or
// listed without the label, are treated as deleted.
//
// When several objects carry the same data key, the first one in key order
// owns the file for the pass and the others are skipped with a warning.
func (e *Engine) Resync(ctx context.Context, objects []types.ConfigObject) {
	seen := make(map[string]bool, len(objects))
	owners := make(map[string]string)

	sorted := append([]types.ConfigObject(nil), objects...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key() < sorted[j].Key() })

	for _, obj := range sorted {
		if !obj.HasLabel(e.label) {
			continue
		}
		seen[obj.Key()] = true
		previous, _ := e.store.GetByKey(obj.Key())
		log := e.logger.With("configmap", obj.Key(), "event", "RESYNC")
		e.apply(ctx, log, obj, types.Added, previous.Files, true, owners)
	}

	for _, record := range e.store.GetAll() {
		if seen[record.Key] {
			continue
		}
		log := e.logger.With("configmap", record.Key, "event", "RESYNC")
		log.Info("Configmap is gone from the cluster, removing its files")
		e.removeAll(ctx, log, record, true)
	}

	e.metrics.SyncedObjects.Set(float64(len(e.store.GetAll())))
}

// apply writes every data key and removes keys that were synced before but
// are no longer present. With quiet set, unchanged files are left alone and
// cause no notification. owners, when non-nil, maps filenames to the object
// that already wrote them in this pass; such files are skipped.
func (e *Engine) apply(ctx context.Context, log *slog.Logger, obj types.ConfigObject, kind types.EventKind, previousFiles []string, quiet bool, owners map[string]string) {
	if len(obj.Data) == 0 {
		if quiet {
			log.Debug("Configmap does not have data.")
		} else {
			log.Error("Configmap does not have data.")
		}
		e.metrics.SkippedEvents.WithLabelValues("no_data").Inc()
	}

	files := sortedKeys(obj.Data)
	for _, filename := range files {
		if owners != nil {
			if owner, ok := owners[filename]; ok && owner != obj.Key() {
				log.Warn("File already written by another configmap, skipping", "file", filename, "owner", owner)
				e.metrics.SkippedEvents.WithLabelValues("conflict").Inc()
				continue
			}
			owners[filename] = obj.Key()
		} else if owner := e.ownerOf(filename, obj.Key()); owner != "" {
			log.Warn("File is also synced from another configmap", "file", filename, "owner", owner)
		}
		if !quiet {
			log.Info(fmt.Sprintf("File in configmap %s %s", filename, kind))
		}

		changed := true
		var err error
		if quiet {
			changed, err = e.writer.Sync(filename, obj.Data[filename])
		} else {
			err = e.writer.Write(filename, obj.Data[filename])
		}
		e.metrics.FileOperations.WithLabelValues("write", metrics.Result(err)).Inc()
		if err != nil {
			log.Error("Failed to write file", "file", filename, "error", err)
			continue
		}
		if changed {
			if quiet {
				log.Info("File out of date, rewritten", "file", filename)
			}
			e.notifier.Notify(ctx)
		}
	}

	for _, filename := range difference(previousFiles, obj.Data) {
		log.Info("Key removed from configmap, deleting file", "file", filename)
		e.removeFile(ctx, log, filename, quiet)
	}

	if len(files) == 0 {
		e.forget(log, obj.Key())
		return
	}
	if err := e.store.Record(e.recordFor(obj, kind, files)); err != nil {
		log.Error("Failed to record sync state", "error", err)
	}
	e.metrics.SyncedObjects.Set(float64(len(e.store.GetAll())))
	e.metrics.LastSyncSeconds.Set(float64(e.now().Unix()))
}

func (e *Engine) removeAll(ctx context.Context, log *slog.Logger, record types.SyncRecord, quiet bool) {
	for _, filename := range record.Files {
		if !quiet {
			log.Info(fmt.Sprintf("File in configmap %s %s", filename, record.Kind))
		}
		e.removeFile(ctx, log, filename, quiet)
	}
	e.forget(log, record.Key)
	e.metrics.SyncedObjects.Set(float64(len(e.store.GetAll())))
	e.metrics.LastSyncSeconds.Set(float64(e.now().Unix()))
}

// removeFile deletes the file and notifies. With quiet set, a file that is
// already gone is skipped silently.
func (e *Engine) removeFile(ctx context.Context, log *slog.Logger, filename string, quiet bool) {
	if quiet && !e.writer.Exists(filename) {
		return
	}
	err := e.writer.Remove(filename)
	e.metrics.FileOperations.WithLabelValues("remove", metrics.Result(err)).Inc()
	if err != nil {
		log.Error("Failed to remove file", "file", filename, "error", err)
		return
	}
	e.notifier.Notify(ctx)
}

// ownerOf returns the key of another tracked object that owns filename.
func (e *Engine) ownerOf(filename, except string) string {
	for _, record := range e.store.GetAll() {
		if record.Key == except {
			continue
		}
		for _, f := range record.Files {
			if f == filename {
				return record.Key
			}
		}
	}
	return ""
}

func (e *Engine) forget(log *slog.Logger, key string) {
	if err := e.store.Delete(key); err != nil {
		log.Error("Failed to record sync state", "error", err)
	}
}

func (e *Engine) recordFor(obj types.ConfigObject, kind types.EventKind, files []string) types.SyncRecord {
	return types.SyncRecord{
		Key:             obj.Key(),
		Namespace:       obj.Namespace,
		Name:            obj.Name,
		ResourceVersion: obj.ResourceVersion,
		Kind:            kind,
		Files:           files,
		Timestamp:       e.now(),
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// difference returns the files not present as keys in data.
func difference(files []string, data map[string]string) []string {
	var out []string
	for _, f := range files {
		if _, ok := data[f]; !ok {
			out = append(out, f)
		}
	}
	return out
}

func union(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
