package main

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/freight/internal/upload"
	"github.com/lgulliver/freight/pkg/types"
	"github.com/rs/zerolog/log"
)

const checksumHeader = "X-Chunk-Checksum"

// errorStatus maps an error kind to its HTTP status
func errorStatus(kind types.ErrorKind) int {
	switch kind {
	case types.KindSessionNotFound:
		return http.StatusNotFound
	case types.KindSizeLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case types.KindInvalidChunkIndex, types.KindChunkSizeMismatch, types.KindInvalidRequest:
		return http.StatusBadRequest
	case types.KindChecksumMismatch:
		return http.StatusUnprocessableEntity
	case types.KindIncompleteUpload, types.KindAlreadyFinalized, types.KindFinalizeInProgress, types.KindFileExists:
		return http.StatusConflict
	case types.KindServerBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	var ue *types.UploadError
	if !errors.As(err, &ue) {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("unexpected error")
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{
			Error: "internal server error",
			Code:  "internal",
		})
		return
	}

	status := errorStatus(ue.Kind)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("upload operation failed")
	}
	if ue.Kind == types.KindServerBusy {
		c.Header("Retry-After", "1")
	}

	message := ue.Error()
	if ue.Kind == types.KindStorageFailure {
		// underlying I/O errors stay in the logs
		message = ue.Message
	}

	c.JSON(status, types.ErrorResponse{
		Error:            message,
		Code:             string(ue.Kind),
		MissingChunks:    ue.MissingChunks,
		ExpectedChecksum: ue.Expected,
		ActualChecksum:   ue.Actual,
	})
}

func badRequest(c *gin.Context, format string, args ...interface{}) {
	respondError(c, types.NewError(types.KindInvalidRequest, format, args...))
}

func respondOK(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, types.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

func handleHealth(service *upload.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, code := "healthy", http.StatusOK
		if err := service.Ping(c.Request.Context()); err != nil {
			log.Warn().Err(err).Msg("session store unreachable")
			status, code = "unhealthy", http.StatusServiceUnavailable
		}

		c.JSON(code, gin.H{
			"status":  status,
			"service": "freight-upload-gateway",
			"time":    time.Now().UTC(),
			"cleanup": service.CleanupStats(),
		})
	}
}

func handleInitiate(service *upload.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.InitiateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request format: %v", err)
			return
		}

		result, err := service.Initiate(c.Request.Context(), req)
		if err != nil {
			respondError(c, err)
			return
		}

		respondOK(c, http.StatusCreated, "upload initiated", result)
	}
}

func handleStatus(service *upload.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := service.Status(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}

		respondOK(c, http.StatusOK, "", result)
	}
}

// handleUploadChunk accepts a raw body or a multipart form with a "file" part
func handleUploadChunk(service *upload.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		index, err := strconv.Atoi(c.Param("index"))
		if err != nil {
			badRequest(c, "invalid chunk index: %q", c.Param("index"))
			return
		}

		body, checksum, closeBody, err := chunkBody(c)
		if err != nil {
			badRequest(c, "%v", err)
			return
		}
		defer closeBody()

		result, err := service.UploadChunk(c.Request.Context(), upload.ChunkRequest{
			UploadID: c.Param("id"),
			Index:    index,
			Body:     body,
			Checksum: checksum,
		})
		if err != nil {
			respondError(c, err)
			return
		}

		respondOK(c, http.StatusOK, chunkMessage(result), result)
	}
}

func handleFinalize(service *upload.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.FinalizeRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
				badRequest(c, "invalid request format: %v", err)
				return
			}
		}

		result, err := service.Finalize(c.Request.Context(), c.Param("id"), req)
		if err != nil {
			respondError(c, err)
			return
		}

		respondOK(c, http.StatusOK, "upload finalized", result)
	}
}

func handleCancel(service *upload.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := service.Cancel(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}

		respondOK(c, http.StatusOK, "upload cancelled", result)
	}
}

type legacyChunkForm struct {
	UploadID    string `form:"upload_id" binding:"required"`
	ChunkIndex  *int   `form:"chunk_index" binding:"required"`
	TotalChunks int    `form:"total_chunks"`
	Checksum    string `form:"checksum"`
}

func handleLegacyUploadChunk(service *upload.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var form legacyChunkForm
		if err := c.ShouldBind(&form); err != nil {
			badRequest(c, "invalid request format: %v", err)
			return
		}

		if form.TotalChunks > 0 {
			status, err := service.Status(c.Request.Context(), form.UploadID)
			if err != nil {
				respondError(c, err)
				return
			}
			if status.TotalChunks != form.TotalChunks {
				badRequest(c, "total_chunks %d does not match session (%d)", form.TotalChunks, status.TotalChunks)
				return
			}
		}

		file, err := openFormFile(c)
		if err != nil {
			badRequest(c, "%v", err)
			return
		}
		defer file.Close()

		result, err := service.UploadChunk(c.Request.Context(), upload.ChunkRequest{
			UploadID: form.UploadID,
			Index:    *form.ChunkIndex,
			Body:     file,
			Checksum: form.Checksum,
		})
		if err != nil {
			respondError(c, err)
			return
		}

		respondOK(c, http.StatusOK, chunkMessage(result), result)
	}
}

type legacyFinalizeForm struct {
	UploadID         string `form:"upload_id" json:"upload_id" binding:"required"`
	Filename         string `form:"filename" json:"filename"`
	OriginalChecksum string `form:"original_checksum" json:"original_checksum"`
}

func handleLegacyFinalize(service *upload.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var form legacyFinalizeForm
		if err := c.ShouldBind(&form); err != nil {
			badRequest(c, "invalid request format: %v", err)
			return
		}

		result, err := service.Finalize(c.Request.Context(), form.UploadID, types.FinalizeRequest{
			Checksum: form.OriginalChecksum,
		})
		if err != nil {
			respondError(c, err)
			return
		}

		respondOK(c, http.StatusOK, "upload finalized", result)
	}
}

// chunkBody returns the chunk bytes and declared checksum of a request
func chunkBody(c *gin.Context) (io.Reader, string, func(), error) {
	checksum := c.GetHeader(checksumHeader)
	if checksum == "" {
		checksum = c.Query("checksum")
	}

	if !strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		return c.Request.Body, checksum, func() {}, nil
	}

	file, err := openFormFile(c)
	if err != nil {
		return nil, "", nil, err
	}
	if checksum == "" {
		checksum = c.PostForm("checksum")
	}
	return file, checksum, func() { file.Close() }, nil
}

func openFormFile(c *gin.Context) (multipart.File, error) {
	header, err := c.FormFile("file")
	if err != nil {
		return nil, errors.New("missing file part")
	}
	file, err := header.Open()
	if err != nil {
		return nil, errors.New("unreadable file part")
	}
	return file, nil
}

func chunkMessage(result *types.ChunkResult) string {
	if result.Status == types.ChunkAlreadyUploaded {
		return "chunk already uploaded"
	}
	return "chunk uploaded"
}
