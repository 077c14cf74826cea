package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filedock/filedock/pkg/chunks"
	"github.com/filedock/filedock/pkg/notify"
	"github.com/filedock/filedock/pkg/queue"
	"github.com/filedock/filedock/pkg/storage"
	"github.com/filedock/filedock/pkg/store"
	"github.com/filedock/filedock/pkg/token"
)

const testAPIKey = "test-key"

type testEnv struct {
	router *gin.Engine
	store  *store.Store
	queue  *queue.Queue
	cfg    *Config
	userID int64
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvBackend(t, nil)
}

func newTestEnvBackend(t *testing.T, mkBackend func(t *testing.T, dir string) storage.Backend) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	cfg := &Config{}
	cfg.Storage.DataDir = filepath.Join(dir, "data")
	cfg.Storage.StagingDir = filepath.Join(dir, "chunks")
	cfg.Storage.PreviewDir = filepath.Join(dir, "previews")
	cfg.Storage.StreamDir = filepath.Join(dir, "hls")
	cfg.API.Key = testAPIKey
	cfg.Share.TokenSecret = "test-secret"
	cfg.Share.URLExpiresSec = 86400

	st, err := store.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	var backend storage.Backend
	if mkBackend != nil {
		require.NoError(t, os.MkdirAll(cfg.Storage.DataDir, 0o755))
		backend = mkBackend(t, dir)
	} else {
		backend, err = storage.NewLocal(cfg.Storage.DataDir)
		require.NoError(t, err)
	}

	q := queue.New()
	api := NewAPI(cfg, st, backend,
		chunks.NewAssembler(cfg.Storage.StagingDir, cfg.Storage.DataDir),
		q, token.NewSigner([]byte(cfg.Share.TokenSecret)), notify.NewHub())

	router := gin.New()
	api.RegisterRoutes(router)

	userID, err := st.CreateUser("alice")
	require.NoError(t, err)

	return &testEnv{router: router, store: st, queue: q, cfg: cfg, userID: userID}
}

func multipartBody(t *testing.T, fileName string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	part, err := w.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) authed(method, path string, body *bytes.Buffer, contentType string) *http.Request {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("X-API-Key", testAPIKey)
	req.Header.Set("X-User-Id", strconv.FormatInt(e.userID, 10))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req
}

func (e *testEnv) uploadFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	body, ct := multipartBody(t, name, content)
	rec := e.do(e.authed(http.MethodPost, "/api/upload", body, ct))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		FileID string `json:"file_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.FileID)
	return resp.FileID
}

func TestAPIKeyRequired(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
	rec := env.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/files", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = env.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUploadRegistersAndEnqueues(t *testing.T) {
	env := newTestEnv(t)

	id := env.uploadFile(t, "report.txt", []byte("hello world"))

	rec, err := env.store.GetFile(id)
	require.NoError(t, err)
	assert.Equal(t, "report.txt", rec.FileName)
	assert.Equal(t, int64(11), rec.Size)
	assert.Equal(t, 1, env.queue.Len())
}

func TestUploadRequiresIdentity(t *testing.T) {
	env := newTestEnv(t)

	body, ct := multipartBody(t, "x.txt", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("X-API-Key", testAPIKey)
	req.Header.Set("Content-Type", ct)

	rec := env.do(req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestChunkedUpload(t *testing.T) {
	env := newTestEnv(t)
	session := "sess-1"

	send := func(index int, last bool, data []byte) *httptest.ResponseRecorder {
		body, ct := multipartBody(t, "big.bin", data)
		req := env.authed(http.MethodPost, "/api/upload/chunked", body, ct)
		req.Header.Set("X-Upload-Id", session)
		req.Header.Set("X-Chunk-Index", strconv.Itoa(index))
		if last {
			req.Header.Set("X-Last-Chunk", "1")
		}
		return env.do(req)
	}

	rec := send(0, false, []byte("first-"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = send(1, true, []byte("second"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Status string `json:"status"`
		FileID string `json:"file_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "completed", resp.Status)

	f, err := env.store.GetFile(resp.FileID)
	require.NoError(t, err)
	assert.Equal(t, int64(len("first-second")), f.Size)
	assert.Equal(t, 1, env.queue.Len())
}

func TestChunkedUploadToFolderNeedsMembership(t *testing.T) {
	env := newTestEnv(t)

	folderID, err := env.store.CreateSharedFolder("team", "")
	require.NoError(t, err)

	body, ct := multipartBody(t, "doc.txt", []byte("data"))
	req := env.authed(http.MethodPost, "/api/upload/chunked", body, ct)
	req.Header.Set("X-Upload-Id", "sess-folder")
	req.Header.Set("X-Chunk-Index", "0")
	req.Header.Set("X-Last-Chunk", "1")
	req.Header.Set("X-Upload-Folder", strconv.FormatInt(folderID, 10))

	rec := env.do(req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	require.NoError(t, env.store.AddMember(folderID, env.userID))

	body, ct = multipartBody(t, "doc.txt", []byte("data"))
	req = env.authed(http.MethodPost, "/api/upload/chunked", body, ct)
	req.Header.Set("X-Upload-Id", "sess-folder-2")
	req.Header.Set("X-Chunk-Index", "0")
	req.Header.Set("X-Last-Chunk", "1")
	req.Header.Set("X-Upload-Folder", strconv.FormatInt(folderID, 10))

	rec = env.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	files, err := env.store.ListFolderFiles(folderID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "doc.txt", files[0].FileName)
}

func TestShareToggleAndTokenDownload(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadFile(t, "notes.txt", []byte("secret notes"))

	rec := env.do(env.authed(http.MethodPost, "/api/files/"+id+"/share", nil, ""))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		IsShared bool   `json:"is_shared"`
		Token    string `json:"token"`
		ShareURL string `json:"share_url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.IsShared)
	require.NotEmpty(t, resp.Token)
	assert.Contains(t, resp.ShareURL, "/f/"+resp.Token)

	dl := env.do(httptest.NewRequest(http.MethodGet, "/f/"+resp.Token, nil))
	require.Equal(t, http.StatusOK, dl.Code)
	assert.Equal(t, "secret notes", dl.Body.String())
	assert.Contains(t, dl.Header().Get("Content-Disposition"), "notes.txt")

	// Second toggle turns sharing off.
	rec = env.do(env.authed(http.MethodPost, "/api/files/"+id+"/share", nil, ""))
	require.Equal(t, http.StatusOK, rec.Code)

	f, err := env.store.GetFile(id)
	require.NoError(t, err)
	assert.False(t, f.IsShared)
	assert.Empty(t, f.Token)
}

func TestShareWithCustomExpiration(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadFile(t, "a.txt", []byte("a"))

	body := bytes.NewBufferString(`{"expiration": 0}`)
	rec := env.do(env.authed(http.MethodPost, "/api/files/"+id+"/share", body, "application/json"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	f, err := env.store.GetFile(id)
	require.NoError(t, err)
	assert.True(t, f.IsShared)
	assert.Zero(t, f.ExpiresAt)
}

func TestShareRequiresOwnership(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadFile(t, "a.txt", []byte("a"))

	other, err := env.store.CreateUser("bob")
	require.NoError(t, err)

	req := env.authed(http.MethodPost, "/api/files/"+id+"/share", nil, "")
	req.Header.Set("X-User-Id", strconv.FormatInt(other, 10))
	rec := env.do(req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDownloadRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/f/not-a-token", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "forbidden")
}

func TestListFiles(t *testing.T) {
	env := newTestEnv(t)
	env.uploadFile(t, "one.txt", []byte("1"))
	env.uploadFile(t, "two.txt", []byte("22"))

	rec := env.do(env.authed(http.MethodGet, "/api/files", nil, ""))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Files []FileView `json:"files"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Files, 2)
	for _, f := range resp.Files {
		assert.NotEmpty(t, f.DownloadURL)
		assert.Empty(t, f.ShareURL)
	}
}

func TestDeleteFile(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadFile(t, "gone.txt", []byte("bye"))

	rec := env.do(env.authed(http.MethodDelete, "/api/files/"+id, nil, ""))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	_, err := env.store.GetFile(id)
	assert.Error(t, err)

	rec = env.do(env.authed(http.MethodDelete, fmt.Sprintf("/api/files/%s", id), nil, ""))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// recordingBackend wraps another backend and records which ids were saved
// through it.
type recordingBackend struct {
	storage.Backend

	mu    sync.Mutex
	saved []string
}

func (b *recordingBackend) Save(id string, r io.Reader) (string, error) {
	loc, err := b.Backend.Save(id, r)
	b.mu.Lock()
	b.saved = append(b.saved, id)
	b.mu.Unlock()
	return loc, err
}

func TestChunkedUploadRetriedFinalChunkIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	session := "retry-sess"

	send := func() *httptest.ResponseRecorder {
		body, ct := multipartBody(t, "big.bin", []byte("payload"))
		req := env.authed(http.MethodPost, "/api/upload/chunked", body, ct)
		req.Header.Set("X-Upload-Id", session)
		req.Header.Set("X-Chunk-Index", "0")
		req.Header.Set("X-Last-Chunk", "1")
		return env.do(req)
	}

	first := send()
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	var firstResp struct {
		Status string `json:"status"`
		FileID string `json:"file_id"`
	}
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))
	require.Equal(t, "completed", firstResp.Status)

	// The client never saw the first response and resends the final chunk.
	second := send()
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	var secondResp struct {
		Status string `json:"status"`
		FileID string `json:"file_id"`
	}
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResp))
	assert.Equal(t, "completed", secondResp.Status)
	assert.Equal(t, firstResp.FileID, secondResp.FileID)
	assert.NotContains(t, second.Body.String(), "constraint")

	// One record, one job.
	files, err := env.store.ListFiles(env.userID)
	require.NoError(t, err)
	assert.Len(t, files, 1)
	assert.Equal(t, 1, env.queue.Len())
}

func TestChunkedUploadRoutesThroughBackend(t *testing.T) {
	var backend *recordingBackend
	env := newTestEnvBackend(t, func(t *testing.T, dir string) storage.Backend {
		inner, err := storage.NewLocal(filepath.Join(dir, "objects"))
		require.NoError(t, err)
		backend = &recordingBackend{Backend: inner}
		return backend
	})

	body, ct := multipartBody(t, "big.bin", []byte("remote bytes"))
	req := env.authed(http.MethodPost, "/api/upload/chunked", body, ct)
	req.Header.Set("X-Upload-Id", "remote-sess")
	req.Header.Set("X-Chunk-Index", "0")
	req.Header.Set("X-Last-Chunk", "1")

	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		FileID string `json:"file_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	backend.mu.Lock()
	saved := append([]string(nil), backend.saved...)
	backend.mu.Unlock()
	require.Equal(t, []string{resp.FileID}, saved)

	// The record points at the backend location, not the assembly temp,
	// and the temp is gone.
	f, err := env.store.GetFile(resp.FileID)
	require.NoError(t, err)
	got, err := os.ReadFile(f.Path)
	require.NoError(t, err)
	assert.Equal(t, "remote bytes", string(got))
	_, err = os.Stat(filepath.Join(env.cfg.Storage.DataDir, resp.FileID))
	assert.True(t, os.IsNotExist(err))
}

func TestShareRejectsMalformedBody(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadFile(t, "a.txt", []byte("a"))

	body := bytes.NewBufferString(`{"expiration": `)
	rec := env.do(env.authed(http.MethodPost, "/api/files/"+id+"/share", body, "application/json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f, err := env.store.GetFile(id)
	require.NoError(t, err)
	assert.False(t, f.IsShared)
}
