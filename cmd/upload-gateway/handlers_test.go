package main

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/freight/internal/session"
	"github.com/lgulliver/freight/internal/storage"
	"github.com/lgulliver/freight/internal/upload"
	"github.com/lgulliver/freight/pkg/auth"
	"github.com/lgulliver/freight/pkg/config"
	"github.com/lgulliver/freight/pkg/types"
	"github.com/lgulliver/freight/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(t *testing.T, secret string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.UploadConfig{
		ChunkSize:            100,
		MinChunkSize:         1,
		MaxChunkSize:         1000,
		MaxFileSize:          10000,
		Timeout:              time.Hour,
		CompletedRetention:   time.Hour,
		MaxConcurrentUploads: 8,
		TempLocation:         "temp_chunks",
		FinalLocation:        "uploads",
		FinalizeLease:        time.Minute,
		CleanupWorkers:       1,
	}

	root := t.TempDir()
	temp, err := storage.NewLocalStorage(filepath.Join(root, cfg.TempLocation))
	require.NoError(t, err)
	final, err := storage.NewLocalStorage(filepath.Join(root, cfg.FinalLocation))
	require.NoError(t, err)

	registry := session.NewRegistry(session.NewMemoryStore(), session.OptionsFromConfig(cfg))
	service := upload.NewService(registry, temp, final, cfg)

	router := setupRouter(service, &config.AuthConfig{JWTSecret: secret})
	gin.SetMode(gin.TestMode)
	return router
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func putChunk(router http.Handler, uploadID string, index int, chunk []byte, checksum string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPut, fmt.Sprintf("/api/v1/uploads/%s/chunks/%d", uploadID, index), bytes.NewReader(chunk))
	req.Header.Set("Content-Type", "application/octet-stream")
	if checksum != "" {
		req.Header.Set(checksumHeader, checksum)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// decodeData unmarshals the data field of a success response into out
func decodeData(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	var resp struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success, w.Body.String())
	require.NoError(t, json.Unmarshal(resp.Data, out))
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) types.ErrorResponse {
	t.Helper()
	var resp types.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	return resp
}

func initiate(t *testing.T, router http.Handler, filename string, size int64) types.InitiateResult {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/v1/uploads", types.InitiateRequest{Filename: filename, TotalSize: size, ChunkSize: 100})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var result types.InitiateResult
	decodeData(t, w, &result)
	return result
}

func TestUploadFlow(t *testing.T) {
	router := setupTestRouter(t, "")
	data := make([]byte, 250)
	_, err := rand.Read(data)
	require.NoError(t, err)

	init := initiate(t, router, "flow.bin", int64(len(data)))
	assert.Equal(t, 3, init.TotalChunks)

	for _, index := range []int{2, 0, 1} {
		end := (index + 1) * 100
		if end > len(data) {
			end = len(data)
		}
		chunk := data[index*100 : end]
		w := putChunk(router, init.UploadID, index, chunk, utils.ComputeSHA256(chunk))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w := putChunk(router, init.UploadID, 0, data[:100], "")
	require.Equal(t, http.StatusOK, w.Code)
	var dup types.ChunkResult
	decodeData(t, w, &dup)
	assert.Equal(t, types.ChunkAlreadyUploaded, dup.Status)

	w = doJSON(t, router, http.MethodGet, "/api/v1/uploads/"+init.UploadID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status types.StatusResult
	decodeData(t, w, &status)
	assert.Equal(t, types.StateReadyToFinalize, status.State)
	assert.Equal(t, []int{0, 1, 2}, status.UploadedChunks)

	w = doJSON(t, router, http.MethodPost, "/api/v1/uploads/"+init.UploadID+"/finalize", types.FinalizeRequest{Checksum: utils.ComputeSHA256(data)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result types.FinalizeResult
	decodeData(t, w, &result)
	assert.Equal(t, int64(250), result.Size)
	assert.Equal(t, utils.ComputeSHA256(data), result.Checksum)

	// finalize without a body is answered from the completed record
	w = doJSON(t, router, http.MethodPost, "/api/v1/uploads/"+init.UploadID+"/finalize", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decodeData(t, w, &result)
	assert.True(t, result.AlreadyFinalized)
}

func TestErrorMapping(t *testing.T) {
	router := setupTestRouter(t, "")
	init := initiate(t, router, "errors.bin", 250)

	tests := []struct {
		name           string
		request        func() *httptest.ResponseRecorder
		expectedStatus int
		expectedCode   types.ErrorKind
	}{
		{
			name: "unknown session",
			request: func() *httptest.ResponseRecorder {
				return doJSON(t, router, http.MethodGet, "/api/v1/uploads/nope", nil)
			},
			expectedStatus: http.StatusNotFound,
			expectedCode:   types.KindSessionNotFound,
		},
		{
			name: "file too large",
			request: func() *httptest.ResponseRecorder {
				return doJSON(t, router, http.MethodPost, "/api/v1/uploads", types.InitiateRequest{Filename: "big", TotalSize: 10001})
			},
			expectedStatus: http.StatusRequestEntityTooLarge,
			expectedCode:   types.KindSizeLimitExceeded,
		},
		{
			name: "missing filename",
			request: func() *httptest.ResponseRecorder {
				return doJSON(t, router, http.MethodPost, "/api/v1/uploads", map[string]int{"total_size": 1})
			},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   types.KindInvalidRequest,
		},
		{
			name: "index out of range",
			request: func() *httptest.ResponseRecorder {
				return putChunk(router, init.UploadID, 3, []byte("x"), "")
			},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   types.KindInvalidChunkIndex,
		},
		{
			name: "wrong chunk length",
			request: func() *httptest.ResponseRecorder {
				return putChunk(router, init.UploadID, 0, []byte("short"), "")
			},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   types.KindChunkSizeMismatch,
		},
		{
			name: "checksum mismatch",
			request: func() *httptest.ResponseRecorder {
				return putChunk(router, init.UploadID, 0, make([]byte, 100), utils.ComputeSHA256([]byte("x")))
			},
			expectedStatus: http.StatusUnprocessableEntity,
			expectedCode:   types.KindChecksumMismatch,
		},
		{
			name: "incomplete finalize",
			request: func() *httptest.ResponseRecorder {
				return doJSON(t, router, http.MethodPost, "/api/v1/uploads/"+init.UploadID+"/finalize", nil)
			},
			expectedStatus: http.StatusConflict,
			expectedCode:   types.KindIncompleteUpload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := tt.request()
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
			resp := decodeError(t, w)
			assert.Equal(t, string(tt.expectedCode), resp.Code)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestErrorBodyDetails(t *testing.T) {
	router := setupTestRouter(t, "")
	init := initiate(t, router, "details.bin", 250)
	require.Equal(t, http.StatusOK, putChunk(router, init.UploadID, 1, make([]byte, 100), "").Code)

	w := doJSON(t, router, http.MethodPost, "/api/v1/uploads/"+init.UploadID+"/finalize", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, []int{0, 2}, decodeError(t, w).MissingChunks)

	chunk := make([]byte, 100)
	expected := utils.ComputeSHA256([]byte("other"))
	w = putChunk(router, init.UploadID, 0, chunk, expected)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, expected, resp.ExpectedChecksum)
	assert.Equal(t, utils.ComputeSHA256(chunk), resp.ActualChecksum)
}

func TestMultipartChunk(t *testing.T) {
	router := setupTestRouter(t, "")
	init := initiate(t, router, "multi.bin", 100)
	chunk := bytes.Repeat([]byte("m"), 100)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "chunk")
	require.NoError(t, err)
	part.Write(chunk)
	require.NoError(t, mw.WriteField("checksum", utils.ComputeSHA256(chunk)))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPut, "/api/v1/uploads/"+init.UploadID+"/chunks/0", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result types.ChunkResult
	decodeData(t, w, &result)
	assert.Equal(t, types.ChunkUploaded, result.Status)
	assert.Equal(t, 1.0, result.Progress)
}

func TestLegacyEndpoints(t *testing.T) {
	router := setupTestRouter(t, "")
	data := bytes.Repeat([]byte("legacy!"), 20)
	init := initiate(t, router, "legacy.bin", int64(len(data)))

	send := func(uploadID string, index, total int, chunk []byte) *httptest.ResponseRecorder {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		mw.WriteField("upload_id", uploadID)
		mw.WriteField("chunk_index", fmt.Sprint(index))
		mw.WriteField("total_chunks", fmt.Sprint(total))
		part, err := mw.CreateFormFile("file", "blob")
		require.NoError(t, err)
		part.Write(chunk)
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/upload-chunk", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	w := send(init.UploadID, 0, 5, data[:100])
	assert.Equal(t, http.StatusBadRequest, w.Code, "total_chunks must match the session")

	// sessions come from initiate; client-chosen ids are not accepted
	w = send("client-chosen-id", 0, 2, data[:100])
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(types.KindSessionNotFound), decodeError(t, w).Code)

	require.Equal(t, http.StatusOK, send(init.UploadID, 0, 2, data[:100]).Code)
	require.Equal(t, http.StatusOK, send(init.UploadID, 1, 2, data[100:]).Code)

	form := strings.NewReader("upload_id=" + init.UploadID + "&original_checksum=" + utils.ComputeSHA256(data))
	req := httptest.NewRequest(http.MethodPost, "/finalize-upload", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result types.FinalizeResult
	decodeData(t, w, &result)
	assert.Equal(t, "legacy.bin", result.Filename)
	assert.Equal(t, int64(len(data)), result.Size)
}

func TestCancel(t *testing.T) {
	router := setupTestRouter(t, "")
	init := initiate(t, router, "gone.bin", 150)
	require.Equal(t, http.StatusOK, putChunk(router, init.UploadID, 0, make([]byte, 100), "").Code)

	w := doJSON(t, router, http.MethodDelete, "/api/v1/uploads/"+init.UploadID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, router, http.MethodGet, "/api/v1/uploads/"+init.UploadID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodDelete, "/api/v1/uploads/"+init.UploadID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthMiddleware(t *testing.T) {
	const secret = "test-secret"
	router := setupTestRouter(t, secret)

	valid, err := auth.GenerateToken("client-1", secret, time.Hour)
	require.NoError(t, err)
	forged, err := auth.GenerateToken("client-1", "other-secret", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name           string
		header         string
		expectedStatus int
	}{
		{name: "no header", header: "", expectedStatus: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", expectedStatus: http.StatusUnauthorized},
		{name: "forged token", header: "Bearer " + forged, expectedStatus: http.StatusUnauthorized},
		{name: "valid token", header: "Bearer " + valid, expectedStatus: http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", strings.NewReader(`{"filename":"a.txt","total_size":1}`))
			req.Header.Set("Content-Type", "application/json")
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}

	// health stays open
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthAndCORS(t *testing.T) {
	router := setupTestRouter(t, "")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Contains(t, health, "cleanup")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/v1/uploads", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), checksumHeader)
}

func TestErrorStatus(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, errorStatus(types.KindServerBusy))
	assert.Equal(t, http.StatusConflict, errorStatus(types.KindFileExists))
	assert.Equal(t, http.StatusConflict, errorStatus(types.KindFinalizeInProgress))
	assert.Equal(t, http.StatusConflict, errorStatus(types.KindAlreadyFinalized))
	assert.Equal(t, http.StatusInternalServerError, errorStatus(types.KindStorageFailure))
}
