package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/apk-analysis/artguard/internal/art/arttest"
	"github.com/apk-analysis/artguard/internal/boundary"
	"github.com/apk-analysis/artguard/internal/domain"
	"github.com/apk-analysis/artguard/internal/engine"
	"github.com/apk-analysis/artguard/internal/repository"
	"github.com/apk-analysis/artguard/internal/snapshot"
	"github.com/apk-analysis/artguard/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockReportService Mock Service
type MockReportService struct {
	mock.Mock
}

func (m *MockReportService) FindByID(ctx context.Context, id string) (*domain.ScanReport, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ScanReport), args.Error(1)
}

func (m *MockReportService) List(ctx context.Context, filter repository.ReportFilter) ([]*domain.ScanReport, int64, error) {
	args := m.Called(filter)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*domain.ScanReport), args.Get(1).(int64), args.Error(2)
}

// MockSubmitter Mock 快照提交
type MockSubmitter struct {
	mock.Mock
}

func (m *MockSubmitter) SubmitAndWait(ctx context.Context, task *worker.Task) (*domain.ScanReport, error) {
	args := m.Called(task)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ScanReport), args.Error(1)
}

type staticRecent struct {
	reports []*domain.ScanReport
}

func (s *staticRecent) Recent(id string) (*domain.ScanReport, error) {
	for _, r := range s.reports {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *staticRecent) RecentReports() []*domain.ScanReport {
	return s.reports
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// setupTestRouter 设置测试路由
func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func engineAdapter(t *testing.T) *boundary.Adapter {
	b, _ := arttest.Standard("art-p-64")
	p := b.Build()
	opts := engine.DefaultOptions()
	opts.Anchors = p.Anchors
	opts.Locator = p.Options()
	e := engine.New(p.Space, opts, newTestLogger())
	return boundary.Load(func() (boundary.Provider, error) { return e, nil })
}

func doJSON(t *testing.T, r http.Handler, method, path string, body io.Reader) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(method, path, body)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func resultRouter(adapter *boundary.Adapter) *gin.Engine {
	h := NewResultHandler(adapter, newTestLogger())
	r := setupTestRouter()
	r.GET("/flags", h.GetFlags)
	r.GET("/methods/unhooked", h.GetUnhookedMethods)
	r.GET("/callbacks/cleared", h.GetClearedCallbacks)
	r.GET("/framework", h.GetFramework)
	r.GET("/result", h.GetResult)
	r.GET("/status", h.GetStatus)
	return r
}

// TestResultHandler 通过引擎查询结果
func TestResultHandler(t *testing.T) {
	r := resultRouter(engineAdapter(t))

	w, resp := doJSON(t, r, "GET", "/flags", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), resp["flags"])
	assert.Equal(t, true, resp["self_protected"])
	assert.Equal(t, true, resp["hooks_neutralized"])

	_, resp = doJSON(t, r, "GET", "/methods/unhooked", nil)
	assert.Equal(t, []any{}, resp["methods"])

	_, resp = doJSON(t, r, "GET", "/callbacks/cleared", nil)
	assert.Len(t, resp["callbacks"], 2)

	_, resp = doJSON(t, r, "GET", "/framework", nil)
	assert.Equal(t, "LSPosed 1.9.2 (7024)", resp["name"])

	_, resp = doJSON(t, r, "GET", "/result", nil)
	assert.Equal(t, "art-p-64", resp["layout"])
	assert.Len(t, resp["restored_methods"], 2)

	_, resp = doJSON(t, r, "GET", "/status", nil)
	assert.Equal(t, false, resp["degraded"])
}

// TestResultHandler_Degraded 引擎不可用时返回降级值
func TestResultHandler_Degraded(t *testing.T) {
	adapter := boundary.Load(func() (boundary.Provider, error) { return nil, errors.New("ptrace denied") })

	for _, a := range []*boundary.Adapter{adapter, nil} {
		r := resultRouter(a)

		_, resp := doJSON(t, r, "GET", "/flags", nil)
		assert.Equal(t, float64(0), resp["flags"])

		_, resp = doJSON(t, r, "GET", "/methods/unhooked", nil)
		assert.Equal(t, []any{}, resp["methods"])

		_, resp = doJSON(t, r, "GET", "/callbacks/cleared", nil)
		assert.Equal(t, []any{}, resp["callbacks"])

		_, resp = doJSON(t, r, "GET", "/framework", nil)
		assert.Equal(t, "", resp["name"])

		_, resp = doJSON(t, r, "GET", "/status", nil)
		assert.Equal(t, true, resp["degraded"])
	}

	_, resp := doJSON(t, resultRouter(adapter), "GET", "/status", nil)
	assert.Equal(t, "ptrace denied", resp["error"])
}

func reportRouter(h *ReportHandler) *gin.Engine {
	r := setupTestRouter()
	r.GET("/reports", h.ListReports)
	r.GET("/reports/:id", h.GetReport)
	r.POST("/snapshots", h.SubmitSnapshot)
	return r
}

// TestReportHandler_List 从数据库分页查询
func TestReportHandler_List(t *testing.T) {
	service := new(MockReportService)
	flags := domain.FlagSelfProtected
	service.On("List", repository.ReportFilter{Source: "pid:1", Flags: &flags, Limit: 10, Offset: 0}).
		Return([]*domain.ScanReport{domain.NewScanReport("r-1", "pid:1", domain.EmptyResult("LSPosed"))}, int64(1), nil)

	h := NewReportHandler(service, &staticRecent{}, nil, t.TempDir(), newTestLogger())
	w, resp := doJSON(t, reportRouter(h), "GET", "/reports?source=pid:1&flags=1&limit=10", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), resp["total"])
	assert.Len(t, resp["reports"], 1)
	service.AssertExpectations(t)

	w, _ = doJSON(t, reportRouter(h), "GET", "/reports?flags=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestReportHandler_ListRecent 数据库未启用时返回内存中的报告
func TestReportHandler_ListRecent(t *testing.T) {
	recent := &staticRecent{reports: []*domain.ScanReport{
		domain.NewScanReport("a", "x", domain.EmptyResult("")),
		domain.NewScanReport("b", "y", domain.EmptyResult("")),
	}}
	h := NewReportHandler(nil, recent, nil, t.TempDir(), newTestLogger())

	_, resp := doJSON(t, reportRouter(h), "GET", "/reports", nil)
	assert.Equal(t, float64(2), resp["total"])
}

// TestReportHandler_Get 先查内存再查数据库
func TestReportHandler_Get(t *testing.T) {
	service := new(MockReportService)
	service.On("FindByID", "db-only").Return(domain.NewScanReport("db-only", "pid:2", domain.EmptyResult("Frida")), nil)
	service.On("FindByID", "missing").Return(nil, domain.ErrNotFound)
	service.On("FindByID", "broken").Return(nil, errors.New("connection refused"))

	recent := &staticRecent{reports: []*domain.ScanReport{domain.NewScanReport("cached", "x", domain.EmptyResult("LSPosed"))}}
	r := reportRouter(NewReportHandler(service, recent, nil, t.TempDir(), newTestLogger()))

	w, resp := doJSON(t, r, "GET", "/reports/cached", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cached", resp["id"])

	w, resp = doJSON(t, r, "GET", "/reports/db-only", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Frida", resp["framework_name"])

	w, _ = doJSON(t, r, "GET", "/reports/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = doJSON(t, r, "GET", "/reports/broken", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	service.AssertNotCalled(t, "FindByID", "cached")
}

func snapshotBody(t *testing.T) []byte {
	b, _ := arttest.Standard("art-o-32")
	p := b.Build()
	var buf bytes.Buffer
	require.NoError(t, snapshot.Capture(p.Space, p.Anchors, p.Image).Encode(&buf))
	return buf.Bytes()
}

// TestReportHandler_Submit 上传快照
func TestReportHandler_Submit(t *testing.T) {
	dir := t.TempDir()
	submitter := new(MockSubmitter)
	report := domain.NewScanReport("new", "upload", domain.EmptyResult("LSPosed"))
	submitter.On("SubmitAndWait", mock.MatchedBy(func(task *worker.Task) bool {
		return strings.HasPrefix(task.Path, dir) && strings.HasSuffix(task.Path, task.ID+".json")
	})).Return(report, nil).Once()

	r := reportRouter(NewReportHandler(nil, &staticRecent{}, submitter, dir, newTestLogger()))
	w, resp := doJSON(t, r, "POST", "/snapshots", bytes.NewReader(snapshotBody(t)))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "new", resp["id"])
	submitter.AssertExpectations(t)

	// 保存的快照可以重新加载
	call := submitter.Calls[0].Arguments.Get(0).(*worker.Task)
	loaded, err := snapshot.Load(call.Path)
	require.NoError(t, err)
	assert.Equal(t, call.Path, loaded.Source)
}

// TestReportHandler_SubmitMultipart multipart 上传
func TestReportHandler_SubmitMultipart(t *testing.T) {
	submitter := new(MockSubmitter)
	submitter.On("SubmitAndWait", mock.Anything).Return(nil, worker.ErrQueueFull)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "process.json")
	require.NoError(t, err)
	_, err = fw.Write(snapshotBody(t))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	r := reportRouter(NewReportHandler(nil, &staticRecent{}, submitter, t.TempDir(), newTestLogger()))
	req := httptest.NewRequest("POST", "/snapshots", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// TestReportHandler_SubmitInvalid 无效快照不进入队列
func TestReportHandler_SubmitInvalid(t *testing.T) {
	submitter := new(MockSubmitter)
	r := reportRouter(NewReportHandler(nil, &staticRecent{}, submitter, t.TempDir(), newTestLogger()))

	w, resp := doJSON(t, r, "POST", "/snapshots", strings.NewReader(`{"version": 9}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, resp["error"], "invalid snapshot")
	submitter.AssertNotCalled(t, "SubmitAndWait", mock.Anything)
}

// TestReportHub 新报告推送到 WebSocket 客户端
func TestReportHub(t *testing.T) {
	hub := NewReportHub(newTestLogger())
	r := setupTestRouter()
	r.GET("/ws/reports", hub.HandleWebSocket)
	server := httptest.NewServer(r)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/reports"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.BroadcastReport(domain.NewScanReport("live", "pid:3", domain.EmptyResult("LSPosed")))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event ReportEvent
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "report", event.Type)
	assert.Equal(t, "live", event.Report.ID)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}
