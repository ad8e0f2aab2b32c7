package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"story-nav/server/internal/eventqueue"
	"story-nav/server/internal/model"
	"story-nav/server/internal/orchestrator"
	"story-nav/server/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeNav struct {
	mu       sync.Mutex
	state    model.PublicState
	navs     []model.Navigation
	resets   int
	seen     []seenRequest
	watchers map[int]chan struct{}
	nextID   int
}

func newFakeNav() *fakeNav {
	return &fakeNav{watchers: make(map[int]chan struct{})}
}

func (f *fakeNav) ApplyNavigation(nav model.Navigation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navs = append(f.navs, nav)
	return nil
}

func (f *fakeNav) ApplyResetSideStates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeNav) ApplyMarkAsSeen(authorID model.AuthorID, itemID model.ItemID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, seenRequest{authorID, itemID})
}

func (f *fakeNav) State() model.PublicState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeNav) Order() []model.AuthorEntry {
	return []model.AuthorEntry{{AuthorID: 1, HasUnseen: true, ItemCount: 2}}
}

func (f *fakeNav) Watch() (<-chan struct{}, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	ch := make(chan struct{}, 1)
	f.watchers[id] = ch
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.watchers, id)
	}
}

func (f *fakeNav) publish(st model.PublicState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = st
	for _, ch := range f.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (f *fakeNav) navigations() []model.Navigation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Navigation(nil), f.navs...)
}

type fullQueue struct{}

func (fullQueue) Enqueue(string, eventqueue.Task) error { return eventqueue.ErrQueueFull }

func (fullQueue) EnqueueSync(string, eventqueue.Task, time.Duration) error {
	return eventqueue.ErrQueueFull
}

type testEnv struct {
	nav   *fakeNav
	store *store.InMemoryStore
	queue *eventqueue.EventQueue
	srv   *Server
	reg   *prometheus.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		nav:   newFakeNav(),
		store: store.NewInMemoryStore(),
		queue: eventqueue.New("api-test", nil),
		reg:   prometheus.NewRegistry(),
	}
	t.Cleanup(func() { _ = env.queue.Close() })
	env.srv = NewServer(Deps{
		Navigator: env.nav,
		Queue:     env.queue,
		Store:     env.store,
		Gatherer:  env.reg,
		Now:       func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) },
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.srv.Routes().ServeHTTP(rec, req)
	return rec
}

// TestHealthzAndState 验证健康检查与状态查询。
func TestHealthzAndState(t *testing.T) {
	env := newTestEnv(t)
	id := model.ItemID(3)
	env.nav.publish(model.PublicState{Version: 2, Central: &model.FocusedSlice{Author: model.AuthorInfo{ID: 1}, ItemID: id, TotalCount: 4}})

	rec := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp stateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, uint64(2), resp.State.Version)
	require.NotNil(t, resp.State.Central)
	assert.Equal(t, id, resp.State.Central.ItemID)

	rec = env.do(t, http.MethodGet, "/api/order", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"author_id":1`)
}

// TestNavigateQueued 验证导航请求经队列送达编排器，非法请求返回 400。
func TestNavigateQueued(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/navigate", `{"kind":"peer","direction":"next"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool { return len(env.nav.navigations()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.Navigation{Kind: model.NavigatePeer, Direction: model.DirectionNext}, env.nav.navigations()[0])

	rec = env.do(t, http.MethodPost, "/api/navigate", `{"kind":"peer","direction":"up"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/navigate", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/reset-side-states", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/seen", `{"author_id":4,"item_id":9}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		env.nav.mu.Lock()
		defer env.nav.mu.Unlock()
		return env.nav.resets == 1 && len(env.nav.seen) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, seenRequest{AuthorID: 4, ItemID: 9}, env.nav.seen[0])
}

// TestNavigateBackpressure 验证队列满时返回 503。
func TestNavigateBackpressure(t *testing.T) {
	env := newTestEnv(t)
	env.srv.queue = fullQueue{}

	rec := env.do(t, http.MethodPost, "/api/navigate", `{"kind":"item","direction":"next"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/state?sync=1", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// TestStateSyncWaitsForQueuedCommands 验证 sync=1 在返回前执行完已排队的命令。
func TestStateSyncWaitsForQueuedCommands(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/navigate", `{"kind":"peer","direction":"next"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/state?sync=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, env.nav.navigations(), 1)
}

// TestIngest 验证上游推送写入存储。
func TestIngest(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/authors/5/items", `{"name":"eve","items":[{"id":1,"media":"m1","size":100},{"id":2,"placeholder":true}]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	view, err := env.store.Items(5)
	require.NoError(t, err)
	require.Len(t, view.Items, 2)
	assert.Equal(t, "eve", view.Author.Name)
	assert.False(t, view.Items[0].IsPlaceholder())
	assert.True(t, view.Items[1].IsPlaceholder())

	rec = env.do(t, http.MethodPost, "/api/authors/abc/items", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestMediaRange 验证本地媒体路由支持 Range。
func TestMediaRange(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/media/abc?size=100", nil)
	req.Header.Set("Range", "bytes=0-9")
	rec := httptest.NewRecorder()
	env.srv.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, 10, rec.Body.Len())

	rec = env.do(t, http.MethodGet, "/media/abc?size=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestMetricsEndpoint 验证 /metrics 暴露注册表中的指标。
func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "storynav_test_total", Help: "test"})
	env.reg.MustRegister(counter)
	counter.Inc()

	rec := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "storynav_test_total 1")
}

// TestStreamPushesStateAndAcceptsCommands 验证 WebSocket 推送：连接时一次，脉冲后一次；客户端命令进入队列。
func TestStreamPushesStateAndAcceptsCommands(t *testing.T) {
	env := newTestEnv(t)
	env.nav.publish(model.PublicState{Version: 1})

	ts := httptest.NewServer(env.srv.Routes())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	readState := func() streamMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg streamMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}

	first := readState()
	assert.Equal(t, "state", first.Type)
	require.NotNil(t, first.State)
	assert.Equal(t, uint64(1), first.State.Version)

	env.nav.publish(model.PublicState{Version: 2})
	second := readState()
	require.NotNil(t, second.State)
	assert.Equal(t, uint64(2), second.State.Version)

	require.NoError(t, conn.WriteJSON(streamCommand{Type: "navigate", Kind: model.NavigateItem, Direction: model.DirectionPrevious}))
	require.Eventually(t, func() bool { return len(env.nav.navigations()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(streamCommand{Type: "jump"}))
	errMsg := readState()
	assert.Equal(t, "error", errMsg.Type)
	assert.Contains(t, errMsg.Error, "unknown command")
	assert.Equal(t, 1, env.srv.ActiveStreams())
}

// TestStateSyncSeesQueuedNavigation 验证真实编排器下 sync=1 读到的状态已包含此前排队的导航：
// 导航在队列任务内直接执行，不会被二次投递到屏障之后。
func TestStateSyncSeesQueuedNavigation(t *testing.T) {
	st := store.NewInMemoryStore()
	st.PutAuthor(model.AuthorInfo{ID: 1, Name: "alice"})
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []model.ItemID{1, 2} {
		require.NoError(t, st.AppendItems(1, model.Materialized(model.StoryItem{
			ID:                  id,
			Timestamp:           base.Add(time.Duration(id) * time.Minute),
			ExpirationTimestamp: base.Add(24 * time.Hour),
			Media:               model.MediaRef{Handle: "m"},
		})))
	}

	queue := eventqueue.New("sync-test", nil)
	t.Cleanup(func() { _ = queue.Close() })
	orch := orchestrator.New(queue, orchestrator.Deps{Source: st}, orchestrator.Config{})
	orch.Start()
	handler := NewServer(Deps{
		Navigator: orch,
		Queue:     queue,
		Store:     st,
		Gatherer:  prometheus.NewRegistry(),
	}).Routes()

	require.Eventually(t, func() bool {
		c := orch.State().Central
		return c != nil && c.ItemID == 1
	}, time.Second, 5*time.Millisecond)

	// 先堵住队列，保证导航与屏障按提交顺序排队
	release := make(chan struct{})
	require.NoError(t, queue.Enqueue("block", func(context.Context) error {
		<-release
		return nil
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/navigate", strings.NewReader(`{"kind":"item","direction":"next"}`))
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state?sync=1", nil))
		done <- rec
	}()
	close(release)

	select {
	case rec := <-done:
		require.Equal(t, http.StatusOK, rec.Code)
		var resp stateResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotNil(t, resp.State.Central)
		assert.Equal(t, model.ItemID(2), resp.State.Central.ItemID)
	case <-time.After(3 * time.Second):
		t.Fatal("state barrier did not return")
	}
}
