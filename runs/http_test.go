package runs

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMux(t *testing.T, svc *Service) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	NewHandler(svc, nil).RegisterHTTPHandlers("/runs/", mux)
	return mux
}

func doRequest(mux http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandler_StartGetList(t *testing.T) {
	target := chatTarget(t, "Sure, happy to help!", nil)
	svc := NewService(
		WithSuites(suiteMap{"suite-1": testSuite(target.URL, messageTest("t1", "help"))}),
		WithIDGenerator(func() string { return "http-run" }),
	)
	defer svc.Close()
	mux := newTestMux(t, svc)

	rec := doRequest(mux, http.MethodPost, "/runs/start", `{"suiteId":"suite-1","trigger":"manual"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var started StartResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	assert.Equal(t, StartResponse{ID: "http-run", Status: StatusQueued}, started)

	svc.Wait()

	rec = doRequest(mux, http.MethodGet, "/runs/http-run", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var run Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, StatusPassed, run.Status)
	assert.Len(t, run.Items, 1)

	rec = doRequest(mux, http.MethodGet, "/runs?suiteId=suite-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "http-run", list.Runs[0].ID)
	assert.Empty(t, list.Runs[0].Items)

	rec = doRequest(mux, http.MethodPost, "/runs/http-run/stop", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"not_running"}`, rec.Body.String())
}

func TestHandler_Errors(t *testing.T) {
	svc := NewService(WithSuites(suiteMap{"empty": testSuite("http://unused")}))
	defer svc.Close()
	mux := newTestMux(t, svc)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
		errMsg string
	}{
		{"bad json", http.MethodPost, "/runs/start", `{`, http.StatusBadRequest, "invalid request body"},
		{"missing suite id", http.MethodPost, "/runs/start", `{}`, http.StatusBadRequest, "suiteId is required"},
		{"bad trigger", http.MethodPost, "/runs/start", `{"suiteId":"empty","trigger":"cron"}`, http.StatusBadRequest, "trigger must be manual, schedule or ci"},
		{"unknown suite", http.MethodPost, "/runs/start", `{"suiteId":"nope"}`, http.StatusNotFound, "suite_not_found"},
		{"no tests", http.MethodPost, "/runs/start", `{"suiteId":"empty"}`, http.StatusBadRequest, "no_tests"},
		{"unknown run", http.MethodGet, "/runs/nope", "", http.StatusNotFound, "not_found"},
		{"stop unknown run", http.MethodPost, "/runs/nope/stop", "", http.StatusNotFound, "not_found"},
		{"bad limit", http.MethodGet, "/runs?limit=0", "", http.StatusBadRequest, "invalid limit: must be 1-1000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(mux, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.code, rec.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.errMsg, body["error"])
		})
	}
}
