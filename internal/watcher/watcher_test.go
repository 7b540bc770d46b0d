package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/aonescu/configsync/internal/metrics"
	"github.com/aonescu/configsync/internal/types"
)

type recordingHandler struct {
	mu      sync.Mutex
	events  []types.ChangeEvent
	resyncs [][]types.ConfigObject
	handled chan types.ChangeEvent
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{handled: make(chan types.ChangeEvent, 16)}
}

func (h *recordingHandler) Handle(ctx context.Context, ev types.ChangeEvent) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
	h.handled <- ev
}

func (h *recordingHandler) Resync(ctx context.Context, objects []types.ConfigObject) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resyncs = append(h.resyncs, objects)
}

func (h *recordingHandler) resyncCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.resyncs)
}

// fakeCluster serves listings with increasing resource versions and hands
// every opened watch to the test.
type fakeCluster struct {
	client   *fake.Clientset
	lists    int32
	listErrs int32
	items    []corev1.ConfigMap
	mu       sync.Mutex
	watchRVs []string
	watchNSs []string
	watches  chan *watch.FakeWatcher
}

func newFakeCluster(items ...corev1.ConfigMap) *fakeCluster {
	fc := &fakeCluster{
		client:  fake.NewClientset(),
		items:   items,
		watches: make(chan *watch.FakeWatcher, 16),
	}

	fc.client.PrependReactor("list", "configmaps", func(action k8stesting.Action) (bool, runtime.Object, error) {
		if atomic.LoadInt32(&fc.listErrs) > 0 {
			atomic.AddInt32(&fc.listErrs, -1)
			return true, nil, errors.New("apiserver unavailable")
		}
		n := atomic.AddInt32(&fc.lists, 1)
		return true, &corev1.ConfigMapList{
			ListMeta: metav1.ListMeta{ResourceVersion: fmt.Sprintf("%d", n*10)},
			Items:    fc.items,
		}, nil
	})

	fc.client.PrependWatchReactor("configmaps", func(action k8stesting.Action) (bool, watch.Interface, error) {
		wa := action.(k8stesting.WatchAction)
		fc.mu.Lock()
		fc.watchRVs = append(fc.watchRVs, wa.GetWatchRestrictions().ResourceVersion)
		fc.watchNSs = append(fc.watchNSs, wa.GetNamespace())
		fc.mu.Unlock()

		fw := watch.NewFakeWithChanSize(16, false)
		fc.watches <- fw
		return true, fw, nil
	})
	return fc
}

func (fc *fakeCluster) nextWatch(t *testing.T) *watch.FakeWatcher {
	t.Helper()
	select {
	case fw := <-fc.watches:
		return fw
	case <-time.After(5 * time.Second):
		t.Fatal("watch was not opened")
		return nil
	}
}

func (fc *fakeCluster) resourceVersions() []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]string(nil), fc.watchRVs...)
}

func configMap(name, rv string, labels, data map[string]string) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Namespace:       "jenkins",
			Name:            name,
			ResourceVersion: rv,
			Labels:          labels,
		},
		Data: data,
	}
}

type harness struct {
	watcher *KubernetesWatcher
	handler *recordingHandler
	metrics *metrics.Metrics
	sleeps  chan time.Duration
	cancel  context.CancelFunc
	done    chan error
}

func start(t *testing.T, fc *fakeCluster, opts Options, configure ...func(*KubernetesWatcher)) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		handler: newRecordingHandler(),
		metrics: metrics.New(),
		sleeps:  make(chan time.Duration, 16),
		done:    make(chan error, 1),
	}
	h.watcher = NewKubernetesWatcher(fc.client, h.handler, opts, logger, h.metrics)
	h.watcher.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps <- d
		return ctx.Err()
	}
	for _, fn := range configure {
		fn(h.watcher)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.watcher.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("watcher did not stop")
		}
	})
	return h
}

func (h *harness) nextEvent(t *testing.T) types.ChangeEvent {
	t.Helper()
	select {
	case ev := <-h.handler.handled:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event handled")
		return types.ChangeEvent{}
	}
}

func TestRun_ListsThenWatchesFromListedPosition(t *testing.T) {
	existing := configMap("existing", "5", map[string]string{"l": ""}, map[string]string{"a": "1"})
	fc := newFakeCluster(*existing)
	h := start(t, fc, Options{Namespace: "jenkins"})

	fc.nextWatch(t)

	assert.Equal(t, []string{"10"}, fc.resourceVersions())
	assert.Equal(t, "10", h.watcher.Position())
	assert.True(t, h.watcher.Synced())
	require.Equal(t, 1, h.handler.resyncCount())
	assert.Equal(t, "existing", h.handler.resyncs[0][0].Name)
	assert.Equal(t, []string{"jenkins"}, fc.watchNSs)
}

func TestRun_ForwardsEventsAndAdvancesPosition(t *testing.T) {
	fc := newFakeCluster()
	h := start(t, fc, Options{Namespace: "jenkins"})

	fw := fc.nextWatch(t)
	fw.Add(configMap("a", "11", map[string]string{"l": ""}, map[string]string{"a.conf": "x"}))
	fw.Modify(configMap("a", "12", map[string]string{"l": ""}, map[string]string{"a.conf": "y"}))
	fw.Delete(configMap("a", "13", map[string]string{"l": ""}, map[string]string{"a.conf": "y"}))

	added := h.nextEvent(t)
	modified := h.nextEvent(t)
	deleted := h.nextEvent(t)

	assert.Equal(t, types.Added, added.Kind)
	assert.Equal(t, "x", added.Object.Data["a.conf"])
	assert.Equal(t, types.Modified, modified.Kind)
	assert.Equal(t, "y", modified.Object.Data["a.conf"])
	assert.Equal(t, types.Deleted, deleted.Kind)
	assert.Equal(t, "13", h.watcher.Position())
}

func TestRun_ServerCloseRelistsWithFreshPosition(t *testing.T) {
	fc := newFakeCluster()
	h := start(t, fc, Options{Namespace: "jenkins"})

	first := fc.nextWatch(t)
	first.Add(configMap("a", "15", nil, nil))
	h.nextEvent(t)
	first.Stop()

	fc.nextWatch(t)

	// the second session starts at the second listing, not at the stale 10
	// or the last event's 15
	assert.Equal(t, []string{"10", "20"}, fc.resourceVersions())
	assert.Equal(t, 2, h.handler.resyncCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WatchSessions.WithLabelValues("closed")))
	assert.Empty(t, h.sleeps, "normal closure does not back off")
}

func TestRun_LocalTimeoutRelists(t *testing.T) {
	fc := newFakeCluster()
	start(t, fc, Options{Namespace: "jenkins", Timeout: 50 * time.Millisecond}, func(w *KubernetesWatcher) {
		w.grace = 0
	})

	fc.nextWatch(t)
	fc.nextWatch(t)

	rvs := fc.resourceVersions()
	require.GreaterOrEqual(t, len(rvs), 2)
	assert.Equal(t, "10", rvs[0])
	assert.Equal(t, "20", rvs[1])
}

func TestRun_AllNamespaces(t *testing.T) {
	fc := newFakeCluster()
	start(t, fc, Options{})

	fc.nextWatch(t)
	assert.Equal(t, []string{""}, fc.watchNSs)
}

func TestRun_ExpiredPositionRelistsWithoutBackoff(t *testing.T) {
	fc := newFakeCluster()
	h := start(t, fc, Options{Namespace: "jenkins"})

	fw := fc.nextWatch(t)
	fw.Error(&metav1.Status{
		Status: metav1.StatusFailure,
		Code:   410,
		Reason: metav1.StatusReasonExpired,
	})

	fc.nextWatch(t)
	assert.Equal(t, []string{"10", "20"}, fc.resourceVersions())
	assert.Empty(t, h.sleeps)
}

func TestRun_ErrorEventBacksOff(t *testing.T) {
	fc := newFakeCluster()
	h := start(t, fc, Options{Namespace: "jenkins"})

	fw := fc.nextWatch(t)
	fw.Error(&metav1.Status{
		Status: metav1.StatusFailure,
		Code:   500,
		Reason: metav1.StatusReasonInternalError,
	})

	select {
	case d := <-h.sleeps:
		assert.Greater(t, d, time.Duration(0))
	case <-time.After(5 * time.Second):
		t.Fatal("expected a backoff sleep")
	}
	fc.nextWatch(t)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WatchSessions.WithLabelValues("error")))
}

func TestRun_ListFailureRetries(t *testing.T) {
	fc := newFakeCluster()
	atomic.StoreInt32(&fc.listErrs, 2)
	h := start(t, fc, Options{Namespace: "jenkins"})

	fc.nextWatch(t)

	assert.Len(t, h.sleeps, 2)
	assert.Greater(t, <-h.sleeps, time.Duration(0))
	assert.Greater(t, <-h.sleeps, time.Duration(0))
	assert.Equal(t, []string{"10"}, fc.resourceVersions())
}

func TestRun_BookmarkAdvancesPositionOnly(t *testing.T) {
	fc := newFakeCluster()
	h := start(t, fc, Options{Namespace: "jenkins"})

	fw := fc.nextWatch(t)
	fw.Action(watch.Bookmark, &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{ResourceVersion: "99"}})
	fw.Add(configMap("after", "100", nil, nil))

	ev := h.nextEvent(t)
	assert.Equal(t, "after", ev.Object.Name)
	assert.Len(t, h.handler.handled, 0)
}

func TestRun_StopsOnCancel(t *testing.T) {
	fc := newFakeCluster()
	h := start(t, fc, Options{Namespace: "jenkins"})

	fc.nextWatch(t)
	h.cancel()

	select {
	case err := <-h.done:
		assert.ErrorIs(t, err, context.Canceled)
		h.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestNewKubernetesWatcher_Defaults(t *testing.T) {
	w := NewKubernetesWatcher(fake.NewClientset(), newRecordingHandler(), Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	assert.Equal(t, DefaultTimeout, w.timeout)
	assert.Equal(t, stallGrace, w.grace)
}

func TestTimeoutSeconds(t *testing.T) {
	assert.Equal(t, int64(60), timeoutSeconds(time.Minute))
	assert.Equal(t, int64(1), timeoutSeconds(50*time.Millisecond))
}
