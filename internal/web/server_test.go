package web

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/JonMunkholm/vehicleingest/internal/access"
	"github.com/JonMunkholm/vehicleingest/internal/config"
	"github.com/JonMunkholm/vehicleingest/internal/core"
	"github.com/JonMunkholm/vehicleingest/internal/logging"
	"github.com/JonMunkholm/vehicleingest/internal/store"
	"github.com/JonMunkholm/vehicleingest/internal/vehicle"
	mw "github.com/JonMunkholm/vehicleingest/internal/web/middleware"
)

var (
	admin   = access.Principal{ID: "adm-1", Role: access.RoleAdmin}
	agent   = access.Principal{ID: "ag-1", Role: access.RoleAgent}
	agent2  = access.Principal{ID: "ag-2", Role: access.RoleAgent}
	manager = access.Principal{ID: "mgr-1", Role: access.RoleManager}
	fieldOp = access.Principal{ID: "fo-1", Role: access.RoleFieldOperative}
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{RequestTimeout: 10 * time.Second},
	}
}

type testServer struct {
	*Server
	svc *core.Service
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	svc := core.NewService(core.Deps{Store: store.NewMemory(), Logger: logging.Discard()}, core.Options{PageSize: 10})
	srv := NewServer(svc, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.WaitForUploads(ctx)
		_ = srv.Shutdown(ctx)
	})
	return &testServer{Server: srv, svc: svc}
}

func (ts *testServer) do(t *testing.T, p *access.Principal, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if p != nil {
		req.Header.Set(mw.HeaderUserID, p.ID)
		req.Header.Set(mw.HeaderUserRole, string(p.Role))
		req.Header.Set(mw.HeaderUserReports, strings.Join(p.Reports, ","))
	}
	rec := httptest.NewRecorder()
	ts.Router().ServeHTTP(rec, req)
	return rec
}

func vrow(n int) []string {
	return []string{
		fmt.Sprintf("MH12AB%04d", n),
		fmt.Sprintf("MA3FJEB1S%08d", n),
		fmt.Sprintf("K12MN%07d", n),
		"Asha Verma", "+91 98100 12345", "Tata", "Nexon", fmt.Sprintf("LN-%03d", n),
		"125000.50", "2000", "2024-03-15", "Pune",
	}
}

func csvFile(rows ...[]string) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(vehicle.HeaderNames())
	_ = w.WriteAll(rows)
	return buf.Bytes()
}

// multipartUpload builds an upload form body.
func multipartUpload(t *testing.T, fileName string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if fileName != "" {
		fw, err := w.CreateFormFile("file", fileName)
		qt.Assert(t, err, qt.IsNil)
		_, err = fw.Write(data)
		qt.Assert(t, err, qt.IsNil)
	}
	for k, v := range fields {
		qt.Assert(t, w.WriteField(k, v), qt.IsNil)
	}
	qt.Assert(t, w.Close(), qt.IsNil)
	return &buf, w.FormDataContentType()
}

// upload submits a file and waits for ingestion to finish.
func (ts *testServer) upload(t *testing.T, p access.Principal, fileName string, data []byte, fields map[string]string) core.BatchHandle {
	t.Helper()
	c := qt.New(t)
	body, ct := multipartUpload(t, fileName, data, fields)
	rec := ts.do(t, &p, http.MethodPost, "/api/batches", body, ct)
	c.Assert(rec.Code, qt.Equals, http.StatusAccepted, qt.Commentf("body: %s", rec.Body))

	var h core.BatchHandle
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &h), qt.IsNil)
	c.Assert(rec.Header().Get("Location"), qt.Equals, "/api/batches/"+h.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := ts.svc.Result(ctx, h.ID)
	c.Assert(err, qt.IsNil)
	return h
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	qt.Assert(t, json.Unmarshal(rec.Body.Bytes(), &v), qt.IsNil, qt.Commentf("body: %s", rec.Body))
	return v
}

func TestUploadAndSearch(t *testing.T) {
	c := qt.New(t)
	ts := newTestServer(t, testConfig())

	bad := vrow(3)
	bad[0] = ""
	h := ts.upload(t, agent, "north.csv", csvFile(vrow(1), vrow(2), bad), map[string]string{
		"additional_assignee_ids": fieldOp.ID,
	})

	rec := ts.do(t, &agent, http.MethodGet, "/api/batches/"+h.ID, nil, "")
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	view := decode[core.BatchView](t, rec)
	c.Assert(view.Status, qt.Equals, vehicle.StatusPartial)
	c.Assert(view.ProcessedRows, qt.Equals, 2)
	c.Assert(view.FailedRows, qt.Equals, 1)
	c.Assert(view.RowErrors, qt.HasLen, 1)
	c.Assert(view.FileName, qt.Equals, "north.csv")

	rec = ts.do(t, &agent, http.MethodGet, "/api/search?q=mh12ab&field=registration", nil, "")
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	res := decode[core.SearchResult](t, rec)
	c.Assert(res.Data, qt.HasLen, 2)
	c.Assert(res.Data[0].RegistrationNumber, qt.Equals, "MH12AB0001")
	c.Assert(res.Data[0].Details, qt.IsNotNil)

	rec = ts.do(t, &fieldOp, http.MethodGet, "/api/search?q=mh12ab", nil, "")
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	res = decode[core.SearchResult](t, rec)
	c.Assert(res.Data, qt.HasLen, 2)
	c.Assert(res.Data[0].Details, qt.IsNil)
	c.Assert(res.Data[0].FileName, qt.Equals, access.GenericFileName)

	rec = ts.do(t, &agent2, http.MethodGet, "/api/search?q=mh12ab", nil, "")
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	c.Assert(decode[core.SearchResult](t, rec).Data, qt.HasLen, 0)
}

func TestUpload_Errors(t *testing.T) {
	ts := newTestServer(t, testConfig())

	tests := []struct {
		name        string
		p           access.Principal
		fileName    string
		data        []byte
		fields      map[string]string
		wantStatus  int
		wantCode    string
		wantBatchID bool
	}{
		{"unsupported type", agent, "vehicles.pdf", []byte("%PDF"), nil, http.StatusUnsupportedMediaType, "FILE002", false},
		{"broken xlsx", agent, "vehicles.xlsx", []byte("not a zip"), nil, http.StatusBadRequest, "FILE003", true},
		{"missing columns", agent, "vehicles.csv", []byte("Registration Number\nMH12AB0001\n"), nil, http.StatusBadRequest, "FILE004", true},
		{"no file", agent, "", nil, map[string]string{"primary_assignee_id": "ag-2"}, http.StatusBadRequest, "FILE006", false},
		{"manager without assignee", manager, "vehicles.csv", csvFile(vrow(1)), nil, http.StatusUnprocessableEntity, "UPL005", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := qt.New(t)
			body, ct := multipartUpload(t, tt.fileName, tt.data, tt.fields)
			rec := ts.do(t, &tt.p, http.MethodPost, "/api/batches", body, ct)
			c.Assert(rec.Code, qt.Equals, tt.wantStatus, qt.Commentf("body: %s", rec.Body))

			er := decode[ErrorResponse](t, rec)
			c.Assert(er.Code, qt.Equals, tt.wantCode)
			c.Assert(er.Message, qt.Not(qt.Equals), "")
			c.Assert(er.BatchID != "", qt.Equals, tt.wantBatchID)
		})
	}
}

func TestUpload_TooLarge(t *testing.T) {
	c := qt.New(t)
	svc := core.NewService(core.Deps{Store: store.NewMemory(), Logger: logging.Discard()}, core.Options{MaxFileSize: 64})
	srv := NewServer(svc, testConfig())
	ts := &testServer{Server: srv, svc: svc}

	body, ct := multipartUpload(t, "vehicles.csv", csvFile(vrow(1), vrow(2)), nil)
	rec := ts.do(t, &agent, http.MethodPost, "/api/batches", body, ct)
	c.Assert(rec.Code, qt.Equals, http.StatusRequestEntityTooLarge)
	c.Assert(decode[ErrorResponse](t, rec).Code, qt.Equals, "FILE001")
}

func TestRequiresPrincipal(t *testing.T) {
	c := qt.New(t)
	ts := newTestServer(t, testConfig())

	for _, target := range []string{"/api/batches", "/api/search?q=abc", "/api/batches/x/progress"} {
		rec := ts.do(t, nil, http.MethodGet, target, nil, "")
		c.Assert(rec.Code, qt.Equals, http.StatusUnauthorized, qt.Commentf("%s", target))
	}

	// Template download is authenticated like every API route.
	rec := ts.do(t, nil, http.MethodGet, "/api/template", nil, "")
	c.Assert(rec.Code, qt.Equals, http.StatusUnauthorized)
}

func TestAPIKeyGate(t *testing.T) {
	c := qt.New(t)
	cfg := testConfig()
	cfg.Security = config.SecurityConfig{RequireAPIKey: true, APIKeys: []string{"k-1"}}
	ts := newTestServer(t, cfg)

	rec := ts.do(t, &agent, http.MethodGet, "/api/batches", nil, "")
	c.Assert(rec.Code, qt.Equals, http.StatusUnauthorized)

	req := httptest.NewRequest(http.MethodGet, "/api/batches", nil)
	req.Header.Set("X-API-Key", "k-1")
	req.Header.Set(mw.HeaderUserID, agent.ID)
	req.Header.Set(mw.HeaderUserRole, string(agent.Role))
	rr := httptest.NewRecorder()
	ts.Router().ServeHTTP(rr, req)
	c.Assert(rr.Code, qt.Equals, http.StatusOK)

	// Health and metrics stay open for probes.
	c.Assert(ts.do(t, nil, http.MethodGet, "/healthz", nil, "").Code, qt.Equals, http.StatusOK)
}

func TestSearch_QueryHandling(t *testing.T) {
	c := qt.New(t)
	ts := newTestServer(t, testConfig())
	ts.upload(t, admin, "v.csv", csvFile(vrow(1)), nil)

	rec := ts.do(t, &admin, http.MethodGet, "/api/search?q=MH", nil, "")
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	res := decode[core.SearchResult](t, rec)
	c.Assert(res.Data, qt.HasLen, 0)
	c.Assert(res.Pagination.TotalCount, qt.Equals, 0)

	rec = ts.do(t, &admin, http.MethodGet, "/api/search?q=MH12&field=colour", nil, "")
	c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)
	c.Assert(decode[ErrorResponse](t, rec).Code, qt.Equals, "VAL003")

	first := decode[core.SearchResult](t, ts.do(t, &admin, http.MethodGet, "/api/search?q=MH12", nil, ""))
	second := decode[core.SearchResult](t, ts.do(t, &admin, http.MethodGet, "/api/search?q=mh12", nil, ""))
	c.Assert(first.Performance.Cached, qt.IsFalse)
	c.Assert(second.Performance.Cached, qt.IsTrue)
	c.Assert(second.Data, qt.DeepEquals, first.Data)
}

func TestListBatches(t *testing.T) {
	c := qt.New(t)
	ts := newTestServer(t, testConfig())
	ts.upload(t, agent, "north.csv", csvFile(vrow(1)), nil)
	ts.upload(t, admin, "south.csv", csvFile(vrow(2)), map[string]string{"primary_assignee_id": agent.ID})

	rec := ts.do(t, &agent, http.MethodGet, "/api/batches?page=abc", nil, "")
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	list := decode[core.BatchList](t, rec)
	c.Assert(list.Data, qt.HasLen, 2)
	c.Assert(list.Summary, qt.DeepEquals, core.BatchSummary{Uploaded: 1, SharedWithMe: 1})
	c.Assert(list.Pagination.Page, qt.Equals, 1)

	rec = ts.do(t, &agent, http.MethodGet, "/api/batches?search=NORTH", nil, "")
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	list = decode[core.BatchList](t, rec)
	c.Assert(list.Data, qt.HasLen, 1)
	c.Assert(list.Data[0].FileName, qt.Equals, "north.csv")

	rec = ts.do(t, &agent, http.MethodGet, "/api/batches?status=archived", nil, "")
	c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)
}

func TestBatchLifecycle(t *testing.T) {
	c := qt.New(t)
	ts := newTestServer(t, testConfig())
	h := ts.upload(t, manager, "pune.csv", csvFile(vrow(1)), map[string]string{"primary_assignee_id": agent.ID})

	// Unrelated callers cannot tell the batch exists.
	rec := ts.do(t, &agent2, http.MethodGet, "/api/batches/"+h.ID, nil, "")
	c.Assert(rec.Code, qt.Equals, http.StatusNotFound)
	c.Assert(decode[ErrorResponse](t, rec).Code, qt.Equals, "BAT001")

	// The assignee sees it but may not manage it.
	rec = ts.do(t, &agent, http.MethodDelete, "/api/batches/"+h.ID, nil, "")
	c.Assert(rec.Code, qt.Equals, http.StatusForbidden)
	c.Assert(decode[ErrorResponse](t, rec).Code, qt.Equals, "AUTH001")

	rec = ts.do(t, &manager, http.MethodPut, "/api/batches/"+h.ID+"/assignee", strings.NewReader(`{"primaryAssigneeId":"ag-2"}`), "application/json")
	c.Assert(rec.Code, qt.Equals, http.StatusOK, qt.Commentf("body: %s", rec.Body))
	c.Assert(decode[core.BatchView](t, rec).PrimaryAssigneeID, qt.Equals, agent2.ID)

	c.Assert(ts.do(t, &agent, http.MethodGet, "/api/batches/"+h.ID, nil, "").Code, qt.Equals, http.StatusNotFound)
	c.Assert(ts.do(t, &agent2, http.MethodGet, "/api/batches/"+h.ID, nil, "").Code, qt.Equals, http.StatusOK)

	rec = ts.do(t, &manager, http.MethodPut, "/api/batches/"+h.ID+"/assignee", strings.NewReader(`{"primaryAssigneeId":""}`), "application/json")
	c.Assert(rec.Code, qt.Equals, http.StatusUnprocessableEntity)

	rec = ts.do(t, &manager, http.MethodPut, "/api/batches/"+h.ID+"/assignee", strings.NewReader(`{"assignee":"ag-2"}`), "application/json")
	c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)

	rec = ts.do(t, &manager, http.MethodDelete, "/api/batches/"+h.ID, nil, "")
	c.Assert(rec.Code, qt.Equals, http.StatusNoContent)
	c.Assert(ts.do(t, &manager, http.MethodGet, "/api/batches/"+h.ID, nil, "").Code, qt.Equals, http.StatusNotFound)
}

func TestDownloads(t *testing.T) {
	c := qt.New(t)
	ts := newTestServer(t, testConfig())

	rec := ts.do(t, &agent, http.MethodGet, "/api/template?format=csv", nil, "")
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	c.Assert(rec.Header().Get("Content-Disposition"), qt.Equals, `attachment; filename="vehicle-upload-template.csv"`)
	header, err := csv.NewReader(rec.Body).Read()
	c.Assert(err, qt.IsNil)
	c.Assert(header, qt.DeepEquals, vehicle.HeaderNames())

	rec = ts.do(t, &agent, http.MethodGet, "/api/template", nil, "")
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	c.Assert(rec.Header().Get("Content-Disposition"), qt.Contains, ".xlsx")

	rec = ts.do(t, &agent, http.MethodGet, "/api/template?format=ods", nil, "")
	c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)

	bad := vrow(2)
	bad[4] = "12"
	h := ts.upload(t, agent, "vehicles.csv", csvFile(vrow(1), bad), nil)

	rec = ts.do(t, &agent, http.MethodGet, "/api/batches/"+h.ID+"/export?format=csv", nil, "")
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	c.Assert(rec.Header().Get("Content-Disposition"), qt.Contains, "vehicles-export.csv")
	rows, err := csv.NewReader(rec.Body).ReadAll()
	c.Assert(err, qt.IsNil)
	c.Assert(rows, qt.HasLen, 2)

	rec = ts.do(t, &agent, http.MethodGet, "/api/batches/"+h.ID+"/errors.csv", nil, "")
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	rows, err = csv.NewReader(rec.Body).ReadAll()
	c.Assert(err, qt.IsNil)
	c.Assert(rows, qt.HasLen, 2)
	c.Assert(rows[1][0], qt.Equals, "3")

	rec = ts.do(t, &agent2, http.MethodGet, "/api/batches/"+h.ID+"/export", nil, "")
	c.Assert(rec.Code, qt.Equals, http.StatusNotFound)
}

func TestUploadProgress_FinishedBatch(t *testing.T) {
	c := qt.New(t)
	ts := newTestServer(t, testConfig())
	h := ts.upload(t, agent, "vehicles.csv", csvFile(vrow(1), vrow(2)), nil)

	rec := ts.do(t, &agent, http.MethodGet, "/api/batches/"+h.ID+"/progress", nil, "")
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	c.Assert(rec.Header().Get("Content-Type"), qt.Equals, "text/event-stream")

	body := rec.Body.String()
	c.Assert(body, qt.Contains, "event: complete\n")
	c.Assert(strings.HasSuffix(body, "\n\n"), qt.IsTrue)

	// The last event carries the final counters.
	events := strings.Split(strings.TrimSpace(body), "\n\n")
	last := events[len(events)-1]
	c.Assert(last, qt.Contains, "id: 100\n")
	data := last[strings.Index(last, "data: ")+len("data: "):]
	var p core.Progress
	c.Assert(json.Unmarshal([]byte(data), &p), qt.IsNil)
	c.Assert(p.Status, qt.Equals, vehicle.StatusCompleted)
	c.Assert(p.ProcessedRows, qt.Equals, 2)

	c.Assert(ts.do(t, &agent2, http.MethodGet, "/api/batches/"+h.ID+"/progress", nil, "").Code, qt.Equals, http.StatusNotFound)
}

func TestCancelUpload_NotRunning(t *testing.T) {
	c := qt.New(t)
	ts := newTestServer(t, testConfig())
	h := ts.upload(t, agent, "vehicles.csv", csvFile(vrow(1)), map[string]string{"primary_assignee_id": agent2.ID})

	rec := ts.do(t, &agent2, http.MethodPost, "/api/batches/"+h.ID+"/cancel", nil, "")
	c.Assert(rec.Code, qt.Equals, http.StatusForbidden)

	// Finished uploads may still be tracked; cancelling them is a no-op or
	// reports the session gone.
	rec = ts.do(t, &agent, http.MethodPost, "/api/batches/"+h.ID+"/cancel", nil, "")
	c.Assert(rec.Code == http.StatusAccepted || rec.Code == http.StatusNotFound, qt.IsTrue, qt.Commentf("status %d", rec.Code))
}

func TestHealthAndMetrics(t *testing.T) {
	c := qt.New(t)
	ts := newTestServer(t, testConfig())

	rec := ts.do(t, nil, http.MethodGet, "/healthz", nil, "")
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	hr := decode[HealthResponse](t, rec)
	c.Assert(hr.Status, qt.Equals, "ok")
	c.Assert(hr.Uploads.MaxConcurrent, qt.Equals, core.DefaultMaxConcurrentUploads)

	rec = ts.do(t, nil, http.MethodGet, "/metrics", nil, "")
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	c.Assert(rec.Body.String(), qt.Contains, "vi_http_requests_total")
	c.Assert(rec.Header().Get("X-Content-Type-Options"), qt.Equals, "nosniff")
}

func TestCORS(t *testing.T) {
	c := qt.New(t)
	cfg := testConfig()
	cfg.Security.CORSOrigins = []string{"https://ops.example.com"}
	ts := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodOptions, "/api/batches", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	ts.Router().ServeHTTP(rec, req)
	c.Assert(rec.Header().Get("Access-Control-Allow-Origin"), qt.Equals, "https://ops.example.com")

	req = httptest.NewRequest(http.MethodOptions, "/api/batches", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	ts.Router().ServeHTTP(rec, req)
	c.Assert(rec.Header().Get("Access-Control-Allow-Origin"), qt.Equals, "")
}

func TestRateLimit(t *testing.T) {
	c := qt.New(t)
	cfg := testConfig()
	cfg.Rate = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2}
	ts := newTestServer(t, cfg)

	for i := 0; i < 2; i++ {
		c.Assert(ts.do(t, nil, http.MethodGet, "/healthz", nil, "").Code, qt.Equals, http.StatusOK)
	}
	rec := ts.do(t, nil, http.MethodGet, "/healthz", nil, "")
	c.Assert(rec.Code, qt.Equals, http.StatusTooManyRequests)
	c.Assert(rec.Header().Get("Retry-After"), qt.Equals, "60")
	c.Assert(decode[ErrorResponse](t, rec).Code, qt.Equals, "RATE001")
}

func TestRateLimiter_WindowReset(t *testing.T) {
	c := qt.New(t)
	s := &Server{}
	rl := s.newRateLimiter(1, time.Minute)
	defer rl.stop()

	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	c.Assert(rl.allow("198.51.100.7"), qt.IsTrue)
	c.Assert(rl.allow("198.51.100.7"), qt.IsFalse)
	c.Assert(rl.allow("198.51.100.8"), qt.IsTrue)

	now = now.Add(61 * time.Second)
	c.Assert(rl.allow("198.51.100.7"), qt.IsTrue)
}

func TestStatusFor(t *testing.T) {
	c := qt.New(t)
	for code, want := range map[string]int{
		"FILE001": http.StatusRequestEntityTooLarge,
		"FILE004": http.StatusBadRequest,
		"UPL001":  http.StatusServiceUnavailable,
		"BAT002":  http.StatusConflict,
		"DB003":   http.StatusServiceUnavailable,
		"ERR000":  http.StatusInternalServerError,
	} {
		c.Assert(statusFor(code), qt.Equals, want, qt.Commentf("%s", code))
	}
}
