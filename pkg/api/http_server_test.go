package api

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"wisard/pkg/model"
	"wisard/pkg/storage"
)

func newTestServer(t *testing.T, withStore bool) (*Server, http.Handler) {
	var store storage.Store
	if withStore {
		s, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "checkpoints.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		store = s
	}
	srv := NewServer(model.New[uint8](), store, 1<<20)
	return srv, srv.Handler()
}

func do(t *testing.T, h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const tinyModel = `{"hashtables":2,"addresses":2,"bleach":0,"target_size":[2,2],"mapping":[0,1,2,3]}`

func setupTiny(t *testing.T, h http.Handler) {
	rec := do(t, h, http.MethodPost, "/new", []byte(tinyModel))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/train?label=up", []byte{1, 2, 3, 4}).Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/train?label=down", []byte{4, 3, 2, 1}).Code)
}

func classify(t *testing.T, h http.Handler, sample []byte) classifyResponse {
	rec := do(t, h, http.MethodPost, "/classify", sample)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var resp classifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestTrainAndClassify(t *testing.T) {
	_, h := newTestServer(t, false)
	setupTiny(t, h)

	resp := classify(t, h, []byte{10, 20, 30, 40})
	require.Equal(t, classifyResponse{Label: "up", Score: 1, Confidence: 1}, resp)

	resp = classify(t, h, []byte{40, 30, 20, 10})
	require.Equal(t, "down", resp.Label)
}

func TestInfo(t *testing.T) {
	_, h := newTestServer(t, false)
	setupTiny(t, h)

	rec := do(t, h, http.MethodGet, "/info", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info infoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.Equal(t, uint16(2), info.Hashtables)
	require.Equal(t, uint16(2), info.Addresses)
	require.Equal(t, [2]uint32{2, 2}, info.TargetSize)
	require.Equal(t, []int{0, 1, 2, 3}, info.Mapping)
	require.Equal(t, []string{"down", "up"}, info.Labels)
	require.Equal(t, 2, info.Patterns)
}

func TestErrorMapping(t *testing.T) {
	_, h := newTestServer(t, false)

	// classify before any training
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/classify", []byte{1, 2, 3, 4}).Code)

	rec := do(t, h, http.MethodPost, "/new", []byte(`{"hashtables":10,"addresses":10,"target_size":[5,5]}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "sampling range exceeds image size")

	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/new", []byte(`{not json`)).Code)

	setupTiny(t, h)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/train?label=up", []byte{1, 2}).Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/train", []byte{1, 2, 3, 4}).Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/model", []byte("garbage")).Code)
	require.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/classify", nil).Code)

	// the failed requests did not change the model
	require.Equal(t, "up", classify(t, h, []byte{1, 2, 3, 4}).Label)
}

func TestBodyTooLarge(t *testing.T) {
	srv := NewServer(model.New[uint8](), nil, 8)
	rec := do(t, srv.Handler(), http.MethodPost, "/classify", make([]byte, 64))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestSaveLoadErase(t *testing.T) {
	_, h := newTestServer(t, false)
	setupTiny(t, h)

	rec := do(t, h, http.MethodGet, "/model", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	blob := rec.Body.Bytes()
	require.True(t, bytes.HasPrefix(blob, []byte("WSRD")))

	require.Equal(t, http.StatusOK, do(t, h, http.MethodDelete, "/model", nil).Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/classify", []byte{1, 2, 3, 4}).Code)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/model", blob).Code)
	require.Equal(t, "up", classify(t, h, []byte{1, 2, 3, 4}).Label)
}

func TestLoadGzipModel(t *testing.T) {
	_, h := newTestServer(t, false)
	setupTiny(t, h)
	blob := do(t, h, http.MethodGet, "/model", nil).Body.Bytes()

	_, other := newTestServer(t, false)
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(blob)
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	req := httptest.NewRequest(http.MethodPost, "/model", &buf)
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()
	other.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "down", classify(t, other, []byte{4, 3, 2, 1}).Label)

	req = httptest.NewRequest(http.MethodPost, "/model", strings.NewReader("not gzip"))
	req.Header.Set("Content-Encoding", "gzip")
	rec = httptest.NewRecorder()
	other.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckpoints(t *testing.T) {
	_, h := newTestServer(t, true)
	setupTiny(t, h)

	rec := do(t, h, http.MethodPut, "/checkpoints/tiny", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var cp storage.Checkpoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cp))
	require.Equal(t, "tiny", cp.Name)

	rec = do(t, h, http.MethodGet, "/checkpoints", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []storage.Checkpoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	require.Equal(t, cp.ID, list[0].ID)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodDelete, "/model", nil).Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/checkpoints/tiny", nil).Code)
	require.Equal(t, "up", classify(t, h, []byte{1, 2, 3, 4}).Label)

	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/checkpoints/missing", nil).Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodDelete, "/checkpoints/tiny", nil).Code)
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/checkpoints/tiny", nil).Code)
}

func TestCheckpointsDisabledWithoutStore(t *testing.T) {
	_, h := newTestServer(t, false)
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/checkpoints", nil).Code)
}

func TestRequestID(t *testing.T) {
	_, h := newTestServer(t, false)
	rec := do(t, h, http.MethodGet, "/info", nil)
	require.Len(t, rec.Header().Get("X-Request-Id"), 36)
}

func TestConcurrentRequests(t *testing.T) {
	srv, _ := newTestServer(t, false)
	setupTiny(t, srv.Handler())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		go func(i int) {
			var resp *http.Response
			var err error
			if i%4 == 0 {
				resp, err = http.Post(ts.URL+"/train?label=up", "application/octet-stream", bytes.NewReader([]byte{1, 2, 3, 4}))
			} else {
				resp, err = http.Post(ts.URL+"/classify", "application/octet-stream", bytes.NewReader([]byte{1, 2, 3, 4}))
			}
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					err = &statusError{resp.StatusCode}
				}
			}
			errs <- err
		}(i)
	}
	for i := 0; i < 40; i++ {
		require.NoError(t, <-errs)
	}
}

type statusError struct{ code int }

func (e *statusError) Error() string { return http.StatusText(e.code) }
