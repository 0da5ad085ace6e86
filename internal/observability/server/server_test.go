package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"campaignbot/internal/model"
	"campaignbot/internal/storage"
	logx "campaignbot/pkg/logx"
)

type fakeReader struct {
	campaigns map[int64]model.Campaign
	pingErr   error
}

func (f *fakeReader) GetCampaign(_ context.Context, id int64) (model.Campaign, error) {
	c, ok := f.campaigns[id]
	if !ok {
		return model.Campaign{}, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeReader) ListCampaigns(_ context.Context, op int64) ([]model.Campaign, error) {
	var out []model.Campaign
	for _, c := range f.campaigns {
		if c.OperatorID == op {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeReader) ListAccounts(_ context.Context, op int64, _ bool) ([]model.Account, error) {
	return []model.Account{{ID: 1, OperatorID: op, Phone: "+15550001", SessionToken: "secret", Active: true}}, nil
}

func (f *fakeReader) Ping(context.Context) error { return f.pingErr }

type fakeRuns []int64

func (r fakeRuns) Running() []int64 { return r }

func newTestServer(cfg Config, store *fakeReader) http.Handler {
	return New(cfg, store, fakeRuns{7}, prometheus.NewRegistry(), logx.Nop()).Handler()
}

func get(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sampleStore() *fakeReader {
	return &fakeReader{campaigns: map[int64]model.Campaign{
		7: {ID: 7, OperatorID: 100, Status: model.StatusRunning, Sent: 3, Total: 10},
		8: {ID: 8, OperatorID: 200, Status: model.StatusCompleted},
	}}
}

func TestHealth(t *testing.T) {
	store := sampleStore()
	h := newTestServer(Config{Token: "admin"}, store)
	rec := get(t, h, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ok" || body["running"] != float64(1) {
		t.Fatalf("body = %v", body)
	}

	store.pingErr = errors.New("db down")
	if rec := get(t, h, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded code = %d", rec.Code)
	}
}

func TestStaticTokenReadsEverything(t *testing.T) {
	h := newTestServer(Config{Token: "admin"}, sampleStore())
	if rec := get(t, h, "/api/campaigns/7/progress", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: code = %d", rec.Code)
	}
	rec := get(t, h, "/api/campaigns/7/progress", "admin")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var p model.Progress
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.CampaignID != 7 || p.Sent != 3 || p.Total != 10 || p.Status != model.StatusRunning {
		t.Fatalf("progress = %+v", p)
	}
	if rec := get(t, h, "/metrics", "admin"); rec.Code != http.StatusOK {
		t.Fatalf("metrics code = %d", rec.Code)
	}
}

func TestJWTScopesToOperator(t *testing.T) {
	const secret = "s3cret"
	h := newTestServer(Config{JWTSecret: secret}, sampleStore())
	tok, err := IssueToken(secret, 100, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	if rec := get(t, h, "/api/campaigns/7", tok); rec.Code != http.StatusOK {
		t.Fatalf("own campaign: code = %d", rec.Code)
	}
	if rec := get(t, h, "/api/campaigns/8", tok); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign campaign: code = %d", rec.Code)
	}
	if rec := get(t, h, "/api/operators/200/campaigns", tok); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign operator: code = %d", rec.Code)
	}
	if rec := get(t, h, "/metrics", tok); rec.Code != http.StatusForbidden {
		t.Fatalf("metrics for operator: code = %d", rec.Code)
	}

	rec := get(t, h, "/api/operators/100/accounts", tok)
	if rec.Code != http.StatusOK {
		t.Fatalf("accounts: code = %d", rec.Code)
	}
	var accs []map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &accs)
	if len(accs) != 1 {
		t.Fatalf("accounts = %v", accs)
	}
	if _, leaked := accs[0]["SessionToken"]; leaked {
		t.Fatalf("session token serialized")
	}

	expired, _ := IssueToken(secret, 100, time.Minute, time.Now().Add(-time.Hour))
	if rec := get(t, h, "/api/campaigns/7", expired); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expired token: code = %d", rec.Code)
	}
	forged, _ := IssueToken("other", 100, time.Hour, time.Now())
	if rec := get(t, h, "/api/campaigns/7", forged); rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged token: code = %d", rec.Code)
	}
}

func TestBadIDs(t *testing.T) {
	h := newTestServer(Config{}, sampleStore())
	if rec := get(t, h, "/api/campaigns/abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", rec.Code)
	}
	if rec := get(t, h, "/api/campaigns/99", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestRunRefusesInsecureBind(t *testing.T) {
	s := New(Config{Addr: "0.0.0.0:0"}, sampleStore(), nil, prometheus.NewRegistry(), logx.Nop())
	if err := s.Run(context.Background()); err == nil {
		t.Fatalf("expected refusal")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":8080":          false,
		"10.0.0.1:80":    false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}
