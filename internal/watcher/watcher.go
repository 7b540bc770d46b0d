// Package watcher owns the list/watch lifecycle for labeled ConfigMaps.
//
// Each session lists the scope, hands the snapshot to the handler for a
// resync, then watches from the listing's resource version until the stream
// ends. Streams end by server timeout, by the watcher's own timer, or by the
// server closing the connection; all three are normal and lead to a fresh
// listing. Errors are logged and retried with exponential backoff.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	k8s "github.com/aonescu/configsync/internal/kubernetes"
	"github.com/aonescu/configsync/internal/metrics"
	"github.com/aonescu/configsync/internal/types"
)

const (
	DefaultTimeout = 60 * time.Second
	// stallGrace is added on top of the server side timeout before the
	// watcher gives up on a stream that went quiet without closing.
	stallGrace = 5 * time.Second

	minRetryInterval = time.Second
	maxRetryInterval = 30 * time.Second
)

// EventHandler receives the relevant part of the stream.
type EventHandler interface {
	Handle(ctx context.Context, ev types.ChangeEvent)
	Resync(ctx context.Context, objects []types.ConfigObject)
}

type Options struct {
	// Namespace to watch; empty watches every namespace.
	Namespace string
	// Timeout bounds each watch session. Zero means DefaultTimeout.
	Timeout time.Duration
}

type KubernetesWatcher struct {
	client    kubernetes.Interface
	namespace string
	timeout   time.Duration
	grace     time.Duration
	handler   EventHandler
	logger    *slog.Logger
	metrics   *metrics.Metrics
	backoff   backoff.BackOff
	sleep     func(ctx context.Context, d time.Duration) error

	mu       sync.RWMutex
	position string
	synced   bool
}

func NewKubernetesWatcher(client kubernetes.Interface, handler EventHandler, opts Options, logger *slog.Logger, m *metrics.Metrics) *KubernetesWatcher {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if m == nil {
		m = metrics.New()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = minRetryInterval
	b.MaxInterval = maxRetryInterval

	return &KubernetesWatcher{
		client:    client,
		namespace: opts.Namespace,
		timeout:   opts.Timeout,
		grace:     stallGrace,
		handler:   handler,
		logger:    logger,
		metrics:   m,
		backoff:   b,
		sleep:     sleepContext,
	}
}

// Position is the last resource version the watcher knows about.
func (w *KubernetesWatcher) Position() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.position
}

// Synced reports whether at least one listing succeeded.
func (w *KubernetesWatcher) Synced() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.synced
}

func (w *KubernetesWatcher) Namespace() string { return w.namespace }

func (w *KubernetesWatcher) setPosition(rv string) {
	if rv == "" {
		return
	}
	w.mu.Lock()
	w.position = rv
	w.mu.Unlock()
}

// Run keeps a watch open until ctx is cancelled. It only returns ctx.Err().
func (w *KubernetesWatcher) Run(ctx context.Context) error {
	w.logger.Info("Starting watch", "namespace", k8s.DisplayNamespace(w.namespace), "timeout", w.timeout)

	for {
		listed, err := w.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if listed {
			w.backoff.Reset()
		}
		if err == nil {
			w.metrics.WatchSessions.WithLabelValues("closed").Inc()
			continue
		}

		w.metrics.WatchSessions.WithLabelValues("error").Inc()
		wait := w.backoff.NextBackOff()
		w.logger.Error("Watch session failed, retrying", "error", err, "retry_in", wait)
		if err := w.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// runSession performs one list and one watch. listed reports whether the
// listing step succeeded. A nil error means the stream ended normally.
func (w *KubernetesWatcher) runSession(ctx context.Context) (listed bool, err error) {
	log := w.logger.With("session", uuid.NewString())
	configMaps := w.client.CoreV1().ConfigMaps(w.namespace)

	list, err := configMaps.List(ctx, metav1.ListOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to list configmaps: %w", err)
	}
	position := list.ResourceVersion
	w.setPosition(position)
	w.mu.Lock()
	w.synced = true
	w.mu.Unlock()

	objects := make([]types.ConfigObject, 0, len(list.Items))
	for i := range list.Items {
		objects = append(objects, k8s.ToConfigObject(&list.Items[i]))
	}
	w.handler.Resync(ctx, objects)

	log.Debug("Opening watch", "resource_version", position, "namespace", k8s.DisplayNamespace(w.namespace))
	stream, err := configMaps.Watch(ctx, metav1.ListOptions{
		ResourceVersion:     position,
		TimeoutSeconds:      ptr.To(timeoutSeconds(w.timeout)),
		AllowWatchBookmarks: true,
	})
	if err != nil {
		if isExpired(err) {
			log.Info("Resource version expired before the watch opened, relisting")
			return true, nil
		}
		return true, fmt.Errorf("failed to open watch: %w", err)
	}
	defer stream.Stop()

	timer := time.NewTimer(w.timeout + w.grace)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-timer.C:
			log.Debug("Watch timeout reached, reopening")
			return true, nil
		case ev, ok := <-stream.ResultChan():
			if !ok {
				log.Debug("Watch closed by server, reopening")
				return true, nil
			}
			if err := w.dispatch(ctx, log, ev); err != nil {
				if isExpired(err) {
					log.Info("Resource version expired, relisting")
					return true, nil
				}
				return true, err
			}
		}
	}
}

func (w *KubernetesWatcher) dispatch(ctx context.Context, log *slog.Logger, ev watch.Event) error {
	switch ev.Type {
	case watch.Error:
		return apierrors.FromObject(ev.Object)
	case watch.Bookmark:
		if accessor, err := meta.Accessor(ev.Object); err == nil {
			w.setPosition(accessor.GetResourceVersion())
		}
		return nil
	}

	cm, ok := ev.Object.(*corev1.ConfigMap)
	if !ok {
		log.Warn("Ignoring watch event with unexpected object", "type", ev.Type, "object", fmt.Sprintf("%T", ev.Object))
		return nil
	}
	w.setPosition(cm.ResourceVersion)
	w.handler.Handle(ctx, types.ChangeEvent{
		Kind:   types.EventKind(ev.Type),
		Object: k8s.ToConfigObject(cm),
	})
	return nil
}

func isExpired(err error) bool {
	if apierrors.IsResourceExpired(err) || apierrors.IsGone(err) {
		return true
	}
	var status apierrors.APIStatus
	return errors.As(err, &status) && status.Status().Code == http.StatusGone
}

func timeoutSeconds(d time.Duration) int64 {
	if secs := int64(d / time.Second); secs > 0 {
		return secs
	}
	return 1
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
