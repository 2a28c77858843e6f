package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/medina-market/api/internal/domain"
	"github.com/medina-market/api/internal/services"
)

type stubSystemService struct {
	report services.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

var _ services.SystemService = (*stubSystemService)(nil)

type readyBody struct {
	Status string `json:"status"`
	Checks map[string]struct {
		Status    string `json:"status"`
		LatencyMS int64  `json:"latencyMs"`
	} `json:"checks"`
	Details []string `json:"details"`
}

func serveReadyz(t *testing.T, svc services.SystemService) (int, readyBody) {
	t.Helper()
	h := NewHealthHandlers(WithHealthSystemService(svc))
	rr := httptest.NewRecorder()
	h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body readyBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode readyz: %v", err)
	}
	return rr.Code, body
}

func TestHealthzReportsBuildAndUptime(t *testing.T) {
	deployed := time.Date(2025, 6, 1, 6, 0, 0, 0, time.UTC)
	h := NewHealthHandlers(
		WithHealthBuildInfo(services.BuildInfo{Version: "2025.06.1", CommitSHA: "9f2c1e0", Environment: "prod", StartedAt: deployed}),
		WithHealthClock(func() time.Time { return deployed.Add(2 * time.Hour) }),
	)

	rr := httptest.NewRecorder()
	h.Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != domain.HealthStatusOK || body["version"] != "2025.06.1" || body["commitSha"] != "9f2c1e0" || body["environment"] != "prod" {
		t.Fatalf("unexpected healthz body %v", body)
	}
	if body["uptime"] != "2h0m0s" {
		t.Fatalf("expected uptime 2h0m0s, got %v", body["uptime"])
	}
}

func TestReadyzStatusMapping(t *testing.T) {
	checkedAt := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		name        string
		report      services.SystemHealthReport
		wantCode    int
		wantDetails []string
	}{
		{
			name: "all healthy",
			report: services.SystemHealthReport{
				Status: domain.HealthStatusOK,
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusOK, Latency: 12 * time.Millisecond, CheckedAt: checkedAt},
				},
			},
			wantCode:    http.StatusOK,
			wantDetails: []string{},
		},
		{
			name: "event topic down keeps serving",
			report: services.SystemHealthReport{
				Status: domain.HealthStatusDegraded,
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusOK},
					"pubsub":    {Status: domain.HealthStatusDegraded, Error: "topic order-events not found"},
				},
			},
			wantCode:    http.StatusOK,
			wantDetails: []string{"pubsub: topic order-events not found"},
		},
		{
			name: "firestore down fails readiness",
			report: services.SystemHealthReport{
				Status: domain.HealthStatusError,
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusError, Error: "context deadline exceeded"},
					"storage":   {Status: domain.HealthStatusDegraded, Error: "bucket missing"},
				},
			},
			wantCode:    http.StatusServiceUnavailable,
			wantDetails: []string{"firestore: context deadline exceeded", "storage: bucket missing"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, body := serveReadyz(t, &stubSystemService{report: tc.report})
			if code != tc.wantCode {
				t.Fatalf("expected %d, got %d", tc.wantCode, code)
			}
			if body.Status != tc.report.Status {
				t.Fatalf("expected status %s, got %s", tc.report.Status, body.Status)
			}
			if len(body.Details) != len(tc.wantDetails) {
				t.Fatalf("expected details %v, got %v", tc.wantDetails, body.Details)
			}
			for i := range tc.wantDetails {
				if body.Details[i] != tc.wantDetails[i] {
					t.Fatalf("expected details %v, got %v", tc.wantDetails, body.Details)
				}
			}
			if len(body.Checks) != len(tc.report.Checks) {
				t.Fatalf("expected %d checks, got %d", len(tc.report.Checks), len(body.Checks))
			}
		})
	}
}

func TestReadyzServiceError(t *testing.T) {
	code, body := serveReadyz(t, &stubSystemService{err: errors.New("collect failed")})
	if code != http.StatusServiceUnavailable || body.Status != domain.HealthStatusError {
		t.Fatalf("expected 503 error, got %d %s", code, body.Status)
	}
}
