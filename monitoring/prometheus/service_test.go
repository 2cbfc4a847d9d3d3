package prometheus

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/questline/questline/runtime"
	"github.com/questline/questline/testing/assert"
	"github.com/questline/questline/testing/require"
	logTest "github.com/sirupsen/logrus/hooks/test"
)

type okService struct{}

func (okService) Start()        {}
func (okService) Stop() error   { return nil }
func (okService) Status() error { return nil }

type failingService struct{}

func (failingService) Start()        {}
func (failingService) Stop() error   { return nil }
func (failingService) Status() error { return errors.New("disk full") }

func TestLifecycle(t *testing.T) {
	hook := logTest.NewGlobal()
	svc := NewService("127.0.0.1:0", runtime.NewServiceRegistry())

	svc.Start()
	require.LogsContain(t, hook, "Starting service")

	require.NoError(t, svc.Stop())
	require.LogsContain(t, hook, "Stopping service")
}

func TestHealthzPlainText(t *testing.T) {
	reg := runtime.NewServiceRegistry()
	require.NoError(t, reg.RegisterService(okService{}))
	require.NoError(t, reg.RegisterService(failingService{}))
	svc := NewService("127.0.0.1:0", reg)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	svc.healthzHandler(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := rec.Body.String()
	assert.StringContains(t, "prometheus.okService: OK", body)
	assert.StringContains(t, "prometheus.failingService: ERROR disk full", body)
}

func TestHealthzJSON(t *testing.T) {
	reg := runtime.NewServiceRegistry()
	require.NoError(t, reg.RegisterService(okService{}))
	svc := NewService("127.0.0.1:0", reg)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Accept", "application/json")
	svc.healthzHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, contentTypeJSON, rec.Header().Get("Content-Type"))
	var resp struct {
		Data []struct {
			Name   string `json:"service"`
			Status bool   `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, len(resp.Data))
	assert.Equal(t, "prometheus.okService", resp.Data[0].Name)
	assert.Equal(t, true, resp.Data[0].Status)
}

func TestNegotiateContentType(t *testing.T) {
	tests := []struct {
		accept string
		want   string
	}{
		{"", contentTypePlainText},
		{"text/plain", contentTypePlainText},
		{"application/json", contentTypeJSON},
		{"application/json;q=0.9, text/plain", contentTypeJSON},
		{"text/plain, application/json", contentTypePlainText},
		{"*/*", contentTypePlainText},
		{"application/xml", contentTypePlainText},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		if tt.accept != "" {
			req.Header.Set("Accept", tt.accept)
		}
		assert.Equal(t, tt.want, negotiateContentType(req), "Accept: %q", tt.accept)
	}
}

func TestGoroutinez(t *testing.T) {
	svc := NewService("127.0.0.1:0", runtime.NewServiceRegistry())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/goroutinez", nil)
	svc.goroutinezHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	if !strings.Contains(rec.Body.String(), "goroutine") {
		t.Fatal("expected a goroutine dump")
	}
}
