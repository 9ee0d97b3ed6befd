package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tabsynth/internal/dataset"
	"github.com/ajitpratap0/tabsynth/internal/generation"
	"github.com/ajitpratap0/tabsynth/internal/ingest"
	"github.com/ajitpratap0/tabsynth/internal/lifecycle"
	"github.com/ajitpratap0/tabsynth/internal/paths"
	"github.com/ajitpratap0/tabsynth/internal/store"
	"github.com/ajitpratap0/tabsynth/internal/synth"
)

type testEnv struct {
	ts      *httptest.Server
	layout  *paths.Layout
	manager *lifecycle.Manager
}

// newTestServer wires the full service over a temporary data directory.
func newTestServer(t *testing.T, maxUpload int64, origins ...string) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	layout, err := paths.New(t.TempDir(), paths.Options{})
	require.NoError(t, err)

	ds := store.NewDatasetStore(layout, logger)
	in := ingest.New(layout, ds, maxUpload, logger)
	mgr := lifecycle.NewManager(synth.NewCopula(synth.CopulaOptions{Seed: 21}, logger), ds,
		lifecycle.Options{ModelPath: layout.ModelPath()}, logger)
	pipe := generation.NewPipeline(mgr, layout.OutputPath(), 1000, logger)
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	srv := NewServer(in, mgr, pipe, ds, Options{CORSOrigins: origins, DefaultEpochs: 200, DefaultRows: 100}, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, layout: layout, manager: mgr}
}

// ordersCSV builds a rows×4 table with mixed column kinds.
func ordersCSV(rows int) string {
	var b strings.Builder
	b.WriteString("region,units,price,express\n")
	regions := []string{"north", "south", "east", "west"}
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&b, "%s,%d,%.2f,%t\n", regions[i%4], 1+i%20, 9.5+float64(i%37)*0.25, i%5 == 0)
	}
	return b.String()
}

func doUpload(t *testing.T, url, filename, content string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = io.WriteString(fw, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url+"/api/upload", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func doJSON(t *testing.T, method, url string, v any) *http.Response {
	t.Helper()
	var body io.Reader = http.NoBody
	if v != nil {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, body)
	require.NoError(t, err)
	if v != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestAPI_Healthz(t *testing.T) {
	env := newTestServer(t, 0)

	resp := doJSON(t, http.MethodGet, env.ts.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode(t, resp)["status"])
}

// TestAPI_EndToEnd uploads a 500×4 CSV, trains with defaults, generates 50
// rows and downloads both files.
func TestAPI_EndToEnd(t *testing.T) {
	env := newTestServer(t, 0)

	resp := doUpload(t, env.ts.URL, "orders.csv", ordersCSV(500))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	up := decode(t, resp)
	assert.Equal(t, "File uploaded successfully", up["message"])
	assert.Equal(t, "orders.csv", up["filename"])
	assert.EqualValues(t, 500, up["rows"])
	assert.Equal(t, []any{"region", "units", "price", "express"}, up["columns"])

	resp = doJSON(t, http.MethodPost, env.ts.URL+"/api/train", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tr := decode(t, resp)
	assert.Equal(t, "Model trained successfully", tr["message"])
	assert.Equal(t, env.layout.ModelPath(), tr["model_path"])
	assert.EqualValues(t, 200, tr["epochs"])
	assert.NotEmpty(t, tr["run_id"])

	resp = doJSON(t, http.MethodPost, env.ts.URL+"/api/generate", map[string]any{"numRows": 50})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	gen := decode(t, resp)
	assert.EqualValues(t, 50, gen["rows"])
	assert.Equal(t, env.layout.OutputPath(), gen["output_path"])
	assert.Equal(t, tr["run_id"], gen["run_id"])

	resp = doJSON(t, http.MethodGet, env.ts.URL+"/api/download/synthetic", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "synthetic_dataset.csv")
	out, err := dataset.Read(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, 50, out.NumRows())
	assert.Equal(t, []string{"region", "units", "price", "express"}, out.Columns)

	resp = doJSON(t, http.MethodGet, env.ts.URL+"/api/download/model", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	onDisk, err := os.ReadFile(env.layout.ModelPath())
	require.NoError(t, err)
	assert.Equal(t, onDisk, raw)

	resp = doJSON(t, http.MethodGet, env.ts.URL+"/api/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode(t, resp)
	assert.Equal(t, "trained", st["state"])
	assert.Equal(t, "orders.csv", st["dataset"])
	assert.Equal(t, true, st["persisted"])
}

func TestAPI_GenerateDefaultsTo100Rows(t *testing.T) {
	env := newTestServer(t, 0)
	require.Equal(t, http.StatusOK, doUpload(t, env.ts.URL, "orders.csv", ordersCSV(80)).StatusCode)
	resp := doJSON(t, http.MethodPost, env.ts.URL+"/api/train", map[string]any{"epochs": 5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, env.ts.URL+"/api/generate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 100, decode(t, resp)["rows"])
}

func TestAPI_TrainDropDuplicates(t *testing.T) {
	env := newTestServer(t, 0)
	body := ordersCSV(40)
	body += strings.Join(strings.Split(strings.TrimSpace(ordersCSV(10)), "\n")[1:], "\n") + "\n"
	require.Equal(t, http.StatusOK, doUpload(t, env.ts.URL, "orders.csv", body).StatusCode)

	resp := doJSON(t, http.MethodPost, env.ts.URL+"/api/train", map[string]any{"epochs": 3, "dropDuplicates": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tr := decode(t, resp)
	assert.EqualValues(t, 50, tr["input_rows"])
	assert.EqualValues(t, 40, tr["training_rows"])
}

func TestAPI_UploadRejections(t *testing.T) {
	env := newTestServer(t, 64)

	resp := doUpload(t, env.ts.URL, "orders.txt", "a,b\n1,2\n")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decode(t, resp)["error"], ".csv")

	resp = doUpload(t, env.ts.URL, "bad.csv", "a,b\n1,2,3\n")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = doUpload(t, env.ts.URL, "big.csv", ordersCSV(20))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, env.ts.URL+"/api/upload", map[string]any{"file": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	entries, err := os.ReadDir(env.layout.UploadDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAPI_TrainErrors(t *testing.T) {
	env := newTestServer(t, 0)

	resp := doJSON(t, http.MethodPost, env.ts.URL+"/api/train", map[string]any{"epochs": 5})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decode(t, resp)["error"], "upload a CSV first")

	require.Equal(t, http.StatusOK, doUpload(t, env.ts.URL, "orders.csv", ordersCSV(30)).StatusCode)

	resp = doJSON(t, http.MethodPost, env.ts.URL+"/api/train", map[string]any{"epochs": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, env.ts.URL+"/api/train", strings.NewReader("{"))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAPI_GenerateWithoutModel(t *testing.T) {
	env := newTestServer(t, 0)

	resp := doJSON(t, http.MethodPost, env.ts.URL+"/api/generate", map[string]any{"numRows": 10})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, decode(t, resp)["error"], "train a model first")
}

func TestAPI_DownloadsMissing(t *testing.T) {
	env := newTestServer(t, 0)

	for _, path := range []string{"/api/download/synthetic", "/api/download/model"} {
		resp := doJSON(t, http.MethodGet, env.ts.URL+path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		assert.NotEmpty(t, decode(t, resp)["error"])
	}
}

func TestAPI_BusyReturnsConflict(t *testing.T) {
	env := newTestServer(t, 0)
	require.Equal(t, http.StatusOK, doUpload(t, env.ts.URL, "orders.csv", ordersCSV(30)).StatusCode)
	resp := doJSON(t, http.MethodPost, env.ts.URL+"/api/train", map[string]any{"epochs": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- env.manager.WithModel(context.Background(), func(*synth.Trained) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	resp = doJSON(t, http.MethodPost, env.ts.URL+"/api/generate", map[string]any{"numRows": 5})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, env.ts.URL+"/api/status", nil)
	assert.Equal(t, true, decode(t, resp)["busy"])

	close(release)
	require.NoError(t, <-done)
}

func TestAPI_CORS(t *testing.T) {
	env := newTestServer(t, 0, "http://app.example")

	req, err := http.NewRequestWithContext(context.Background(), http.MethodOptions, env.ts.URL+"/api/train", http.NoBody)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://app.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://app.example", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequestWithContext(context.Background(), http.MethodGet, env.ts.URL+"/healthz", http.NoBody)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestAPI_Metrics(t *testing.T) {
	env := newTestServer(t, 0)
	resp := doJSON(t, http.MethodGet, env.ts.URL+"/debug/vars", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	vars := decode(t, resp)
	assert.Contains(t, vars, "tabsynth_train_total")
	assert.Contains(t, vars, "tabsynth_generate_total")

	resp, err := http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tabsynth_rows_generated_total")
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{lifecycle.ErrBusy, http.StatusConflict},
		{fmt.Errorf("%w: deadline", lifecycle.ErrBusy), http.StatusConflict},
		{lifecycle.ErrModelNotFound, http.StatusNotFound},
		{store.ErrNoDataset, http.StatusBadRequest},
		{fmt.Errorf("x: %w", dataset.ErrInvalid), http.StatusBadRequest},
		{lifecycle.ErrInvalidEpochs, http.StatusBadRequest},
		{generation.ErrInvalidRowCount, http.StatusBadRequest},
		{&lifecycle.DataLoadError{Path: "p", Err: os.ErrNotExist}, http.StatusBadRequest},
		{&lifecycle.PersistError{Path: "p", Err: errors.New("disk full")}, http.StatusInternalServerError},
		{ingest.ErrTooLarge, http.StatusRequestEntityTooLarge},
		{context.Canceled, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), "%v", tc.err)
	}
}
