package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/tripwire/internal/domain"
	"github.com/opensource-finance/tripwire/internal/ingest"
	"github.com/opensource-finance/tripwire/internal/reactor"
	"github.com/opensource-finance/tripwire/internal/repository"
	"github.com/opensource-finance/tripwire/internal/risk"
	"github.com/opensource-finance/tripwire/internal/rules"
)

const testSecret = "whsec_test"

type testEnv struct {
	server *Server
	repo   *repository.SQLRepository
	svc    *ingest.Service
}

// createTestServer wires a server over a temp sqlite store with an
// in-process reactor.
func createTestServer(t *testing.T) *testEnv {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "api-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}

	engine, err := rules.NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	invoker := reactor.NewDirect(reactor.New(repo, engine, risk.NewScorer(repo, nil, time.Minute), reactor.Config{}))
	svc := ingest.NewService(repo, invoker, ingest.Config{Secret: testSecret, TriggerWait: 2 * time.Second})

	t.Cleanup(func() {
		svc.Wait()
		repo.Close()
		os.Remove(tmpPath)
	})

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}
	return &testEnv{
		server: NewServer(cfg, repo, nil, nil, svc, invoker, "test-v1"),
		repo:   repo,
		svc:    svc,
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func payoutBody(id, account string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":"payout.paid","account":%q,"created":%d,"data":{"object":{"id":"po_1","amount":150000,"currency":"usd","status":"paid"}}}`,
		id, account, time.Now().Unix()))
}

func webhookRequest(body []byte, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/events", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ingest.SignatureHeader, signature)
	return req
}

func saveAlert(t *testing.T, repo domain.Repository, accountID, id string) {
	t.Helper()
	alert := &domain.Alert{
		ID:        id,
		AccountID: accountID,
		EventID:   "evt_" + id,
		Type:      domain.AlertBankSwap,
		Severity:  domain.SeverityHigh,
		Message:   "payout destination changed",
		RiskScore: 80,
		Delivery:  map[domain.Channel]domain.DeliveryStatus{domain.ChannelEmail: domain.DeliveryPending},
	}
	if err := repo.SaveAlert(context.Background(), alert); err != nil {
		t.Fatalf("SaveAlert failed: %v", err)
	}
}

func TestWebhookEndpoint(t *testing.T) {
	env := createTestServer(t)

	t.Run("BuffersEvent", func(t *testing.T) {
		body := payoutBody("evt_1", "acct_1")
		rr := env.do(webhookRequest(body, ingest.Sign(testSecret, time.Now(), body)))

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp ingest.Result
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.EventID != "evt_1" || resp.AccountID != "acct_1" {
			t.Errorf("unexpected result: %+v", resp)
		}
		if resp.Duplicate {
			t.Error("expected first delivery not to be a duplicate")
		}

		if _, err := env.repo.GetEvent(context.Background(), "evt_1"); err != nil {
			t.Errorf("expected event to be buffered: %v", err)
		}
	})

	t.Run("DuplicateIsAccepted", func(t *testing.T) {
		body := payoutBody("evt_2", "acct_1")
		env.do(webhookRequest(body, ingest.Sign(testSecret, time.Now(), body)))
		rr := env.do(webhookRequest(body, ingest.Sign(testSecret, time.Now(), body)))

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp ingest.Result
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if !resp.Duplicate {
			t.Error("expected duplicate delivery to be flagged")
		}
	})

	t.Run("BadSignature", func(t *testing.T) {
		body := payoutBody("evt_3", "acct_1")
		rr := env.do(webhookRequest(body, ingest.Sign("wrong", time.Now(), body)))

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
		if _, err := env.repo.GetEvent(context.Background(), "evt_3"); err == nil {
			t.Error("expected rejected event not to be stored")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		body := []byte(`{"id":"evt_4","type":"charge.refunded","account":"acct_1","created":1,"data":{"object":{}}}`)
		rr := env.do(webhookRequest(body, ingest.Sign(testSecret, time.Now(), body)))

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("AccountHintHeader", func(t *testing.T) {
		body := payoutBody("evt_5", "")
		req := webhookRequest(body, ingest.Sign(testSecret, time.Now(), body))
		req.Header.Set(ingest.AccountHeader, "acct_hint")

		rr := env.do(req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp ingest.Result
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.AccountID != "acct_hint" {
			t.Errorf("expected account 'acct_hint', got '%s'", resp.AccountID)
		}
	})
}

func TestReactorEndpoint(t *testing.T) {
	env := createTestServer(t)

	body := payoutBody("evt_1", "acct_1")
	env.do(webhookRequest(body, ingest.Sign(testSecret, time.Now(), body)))
	env.svc.Wait()

	t.Run("AlreadyProcessedIsSkipped", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/internal/reactor/evt_1", nil)
		rr := env.do(req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp domain.ProcessResult
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if !resp.Skipped {
			t.Errorf("expected skipped result, got %+v", resp)
		}
	})

	t.Run("UnknownEvent", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/internal/reactor/evt_missing", nil)
		rr := env.do(req)

		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestAlertEndpoints(t *testing.T) {
	env := createTestServer(t)
	saveAlert(t, env.repo, "acct_1", "alert_1")
	saveAlert(t, env.repo, "acct_1", "alert_2")
	saveAlert(t, env.repo, "acct_2", "alert_3")

	get := func(path, tenant string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if tenant != "" {
			req.Header.Set("X-Tenant-ID", tenant)
		}
		return env.do(req)
	}
	post := func(path, tenant string, body []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", tenant)
		return env.do(req)
	}

	t.Run("MissingTenantID", func(t *testing.T) {
		rr := get("/alerts", "")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ListIsAccountScoped", func(t *testing.T) {
		rr := get("/alerts", "acct_1")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Alerts []domain.Alert `json:"alerts"`
			Count  int            `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 2 {
			t.Errorf("expected 2 alerts, got %d", resp.Count)
		}
		for _, a := range resp.Alerts {
			if a.AccountID != "acct_1" {
				t.Errorf("expected only acct_1 alerts, got %s", a.AccountID)
			}
		}
	})

	t.Run("GetOtherAccountsAlert", func(t *testing.T) {
		rr := get("/alerts/alert_3", "acct_1")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("GetAlert", func(t *testing.T) {
		rr := get("/alerts/alert_1", "acct_1")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var alert domain.Alert
		json.Unmarshal(rr.Body.Bytes(), &alert)
		if alert.Delivery[domain.ChannelEmail] != domain.DeliveryPending {
			t.Errorf("expected pending email delivery, got %v", alert.Delivery)
		}
	})

	t.Run("Resolve", func(t *testing.T) {
		rr := post("/alerts/alert_1/resolve", "acct_1", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		rr = get("/alerts?unresolved=true", "acct_1")
		var resp struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 unresolved alert, got %d", resp.Count)
		}

		if rr := post("/alerts/alert_missing/resolve", "acct_1", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("Feedback", func(t *testing.T) {
		for _, fb := range []FeedbackRequest{
			{Reviewer: "ana", Verdict: domain.VerdictLegit},
			{Reviewer: "ana", Verdict: domain.VerdictFalsePositive},
			{Reviewer: "ben", Verdict: domain.VerdictLegit},
		} {
			body, _ := json.Marshal(fb)
			if rr := post("/alerts/alert_2/feedback", "acct_1", body); rr.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
			}
		}

		rr := get("/alerts/alert_2/feedback", "acct_1")
		var resp FeedbackResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Total != 2 || resp.FalsePositives != 1 || resp.Legit != 1 {
			t.Errorf("expected 2 verdicts with 1 false positive, got %+v", resp)
		}
	})

	t.Run("InvalidFeedback", func(t *testing.T) {
		tests := []struct {
			name string
			body string
			want int
		}{
			{"InvalidJSON", `{`, http.StatusBadRequest},
			{"MissingReviewer", `{"verdict":"legit"}`, http.StatusBadRequest},
			{"UnknownVerdict", `{"reviewer":"ana","verdict":"maybe"}`, http.StatusBadRequest},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rr := post("/alerts/alert_2/feedback", "acct_1", []byte(tt.body))
				if rr.Code != tt.want {
					t.Errorf("expected status %d, got %d", tt.want, rr.Code)
				}
			})
		}

		body := []byte(`{"reviewer":"ana","verdict":"legit"}`)
		if rr := post("/alerts/alert_3/feedback", "acct_1", body); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 for another account's alert, got %d", rr.Code)
		}
	})
}

func TestDeadLettersEndpoint(t *testing.T) {
	env := createTestServer(t)
	ctx := context.Background()

	next := time.Now().Add(time.Minute)
	for _, rec := range []*domain.FailedDispatch{
		{ID: "dlq_1", EventID: "evt_1", AccountID: "acct_1", Endpoint: domain.EndpointReactor, NextAttemptAt: &next},
		{ID: "dlq_2", EventID: "evt_2", AccountID: "acct_1", Endpoint: domain.EndpointReactor, RetryCount: 9},
	} {
		if err := env.repo.SaveFailedDispatch(ctx, rec); err != nil {
			t.Fatalf("SaveFailedDispatch failed: %v", err)
		}
	}

	rr := env.do(httptest.NewRequest(http.MethodGet, "/dead-letters", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp struct {
		DeadLetters []domain.FailedDispatch `json:"deadLetters"`
		Count       int                     `json:"count"`
	}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Count != 2 {
		t.Errorf("expected frozen and pending entries, got %d", resp.Count)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		rr := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		rr := env.do(httptest.NewRequest(http.MethodGet, "/ready", nil))

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("NotReadyWhenStoreIsClosed", func(t *testing.T) {
		closed := createTestServer(t)
		closed.repo.Close()

		rr := closed.do(httptest.NewRequest(http.MethodGet, "/ready", nil))
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TenantMiddlewareExtractsID", func(t *testing.T) {
		var capturedTenantID string

		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedTenantID = GetTenantID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant-ID", "acct_123")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedTenantID != "acct_123" {
			t.Errorf("expected tenant ID 'acct_123', got '%s'", capturedTenantID)
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}
		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})

	t.Run("AccessLogCarriesWebhookFields", func(t *testing.T) {
		env := createTestServer(t)
		logs := captureLogs(t)

		body := payoutBody("evt_logged", "")
		req := webhookRequest(body, ingest.Sign(testSecret, time.Now(), body))
		req.Header.Set(ingest.AccountHeader, "acct_hint")
		if rr := env.do(req); rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		env.svc.Wait()

		line := logs.find("http request", "/webhooks/events")
		if line == nil {
			t.Fatal("expected an access log line for the webhook")
		}
		if line["account_id"] != "acct_hint" || line["event_id"] != "evt_logged" {
			t.Errorf("expected account_id acct_hint and event_id evt_logged, got %v / %v", line["account_id"], line["event_id"])
		}
		if line["route"] != "/webhooks/events" {
			t.Errorf("expected route pattern, got %v", line["route"])
		}
	})

	t.Run("AccessLogWarnsOnRejection", func(t *testing.T) {
		env := createTestServer(t)
		logs := captureLogs(t)

		body := payoutBody("evt_bad", "acct_1")
		env.do(webhookRequest(body, "t=1,v1=00"))

		line := logs.find("http request", "/webhooks/events")
		if line == nil {
			t.Fatal("expected an access log line for the webhook")
		}
		if line["level"] != "WARN" {
			t.Errorf("expected WARN level, got %v", line["level"])
		}
		if line["rejection"] == nil {
			t.Error("expected rejection reason in the access log")
		}
	})

	t.Run("AccessLogCarriesTenant", func(t *testing.T) {
		env := createTestServer(t)
		logs := captureLogs(t)

		req := httptest.NewRequest(http.MethodGet, "/alerts", nil)
		req.Header.Set("X-Tenant-ID", "acct_1")
		env.do(req)

		line := logs.find("http request", "/alerts")
		if line == nil || line["tenant_id"] != "acct_1" {
			t.Errorf("expected tenant_id acct_1 in access log, got %v", line)
		}
	})

	t.Run("CORSOnlyForBrowserOrigins", func(t *testing.T) {
		handler := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/events", nil))
		if rr.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Error("expected no CORS headers without an Origin")
		}

		req := httptest.NewRequest(http.MethodOptions, "/alerts", nil)
		req.Header.Set("Origin", "https://ops.example.com")
		rr = httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204 for preflight, got %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "https://ops.example.com" {
			t.Errorf("expected origin echoed, got %q", rr.Header().Get("Access-Control-Allow-Origin"))
		}
	})

	t.Run("RecoverMiddlewareReraisesAbort", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic(http.ErrAbortHandler)
		}))

		defer func() {
			if rv := recover(); rv != http.ErrAbortHandler {
				t.Errorf("expected ErrAbortHandler to propagate, got %v", rv)
			}
		}()
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})

	t.Run("RecorderKeepsFirstStatus", func(t *testing.T) {
		rr := httptest.NewRecorder()
		rec := record(rr)
		if record(rec) != rec {
			t.Error("expected nested record to reuse the recorder")
		}
		rec.Write([]byte("ok"))
		rec.WriteHeader(http.StatusTeapot)
		if rec.status != http.StatusOK || rec.bytes != 2 {
			t.Errorf("expected status 200 and 2 bytes, got %d and %d", rec.status, rec.bytes)
		}
	})
}

// logCapture collects JSON log lines written through slog's default logger.
type logCapture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

// find returns the first line with msg and path.
func (c *logCapture) find(msg, path string) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	sc := bufio.NewScanner(bytes.NewReader(c.buf.Bytes()))
	for sc.Scan() {
		var line map[string]any
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			continue
		}
		if line["msg"] == msg && line["path"] == path {
			return line
		}
	}
	return nil
}

func captureLogs(t *testing.T) *logCapture {
	t.Helper()
	c := &logCapture{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(c, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return c
}
