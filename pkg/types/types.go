package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// UploadState is the lifecycle state of an upload session
type UploadState string

const (
	StateInitiated       UploadState = "initiated"
	StateUploading       UploadState = "uploading"
	StateReadyToFinalize UploadState = "ready_to_finalize"
	StateCompleted       UploadState = "completed"
	StateCancelled       UploadState = "cancelled"
	StateExpired         UploadState = "expired"
)

// ParseUploadState converts a persisted state string back to an UploadState
func ParseUploadState(s string) (UploadState, error) {
	switch UploadState(s) {
	case StateInitiated, StateUploading, StateReadyToFinalize, StateCompleted, StateCancelled, StateExpired:
		return UploadState(s), nil
	default:
		return "", fmt.Errorf("unknown upload state: %q", s)
	}
}

// ChunkSet is a sorted set of chunk indices that can be stored in SQL as JSON
type ChunkSet []int

// Value implements the driver.Valuer interface for GORM
func (c ChunkSet) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]int(c))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements the sql.Scanner interface for GORM
func (c *ChunkSet) Scan(value interface{}) error {
	if value == nil {
		*c = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into ChunkSet", value)
	}

	var indices []int
	if err := json.Unmarshal(bytes, &indices); err != nil {
		return err
	}
	*c = ChunkSet(indices).Normalize()
	return nil
}

// Contains reports whether index is in the set
func (c ChunkSet) Contains(index int) bool {
	i := sort.SearchInts(c, index)
	return i < len(c) && c[i] == index
}

// Add returns the set with index inserted and whether it was newly added
func (c ChunkSet) Add(index int) (ChunkSet, bool) {
	i := sort.SearchInts(c, index)
	if i < len(c) && c[i] == index {
		return c, false
	}
	out := make(ChunkSet, 0, len(c)+1)
	out = append(out, c[:i]...)
	out = append(out, index)
	out = append(out, c[i:]...)
	return out, true
}

// Normalize sorts the set and drops duplicates
func (c ChunkSet) Normalize() ChunkSet {
	if len(c) == 0 {
		return ChunkSet{}
	}
	out := append(ChunkSet(nil), c...)
	sort.Ints(out)
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}

// Missing returns the indices in [0, total) that are not in the set
func (c ChunkSet) Missing(total int) []int {
	n := total - len(c)
	if n < 0 {
		n = 0
	}
	missing := make([]int, 0, n)
	for i := 0; i < total; i++ {
		if !c.Contains(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

// UploadSession tracks one client-initiated chunked transfer
type UploadSession struct {
	UploadID           string      `json:"upload_id" gorm:"primaryKey;size:64" dynamodbav:"upload_id"`
	Filename           string      `json:"filename" gorm:"not null" dynamodbav:"filename"`
	TotalSize          int64       `json:"total_size" dynamodbav:"total_size"`
	ChunkSize          int64       `json:"chunk_size" dynamodbav:"chunk_size"`
	TotalChunks        int         `json:"total_chunks" dynamodbav:"total_chunks"`
	UploadedChunks     ChunkSet    `json:"uploaded_chunks" gorm:"type:text" dynamodbav:"uploaded_chunks"`
	State              UploadState `json:"state" gorm:"size:32;index" dynamodbav:"state"`
	OriginalChecksum   string      `json:"original_checksum,omitempty" dynamodbav:"original_checksum,omitempty"`
	Version            int64       `json:"version" gorm:"not null;default:0" dynamodbav:"version"`
	FinalizeLeaseID    string      `json:"finalize_lease_id,omitempty" dynamodbav:"finalize_lease_id,omitempty"`
	FinalizeLeaseUntil time.Time   `json:"finalize_lease_until,omitempty" dynamodbav:"finalize_lease_until"`
	FinalSize          int64       `json:"final_size,omitempty" dynamodbav:"final_size"`
	FinalChecksum      string      `json:"final_checksum,omitempty" dynamodbav:"final_checksum,omitempty"`
	FinalLocation      string      `json:"final_location,omitempty" dynamodbav:"final_location,omitempty"`
	CompletedAt        *time.Time  `json:"completed_at,omitempty" dynamodbav:"completed_at,omitempty"`
	CreatedAt          time.Time   `json:"created_at" gorm:"autoCreateTime:false" dynamodbav:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at" gorm:"autoUpdateTime:false" dynamodbav:"updated_at"`
	ExpiresAt          time.Time   `json:"expires_at" gorm:"index" dynamodbav:"expires_at"`
}

// TableName pins the GORM table name
func (UploadSession) TableName() string {
	return "upload_sessions"
}

// Clone returns a deep copy safe to mutate
func (s *UploadSession) Clone() *UploadSession {
	c := *s
	c.UploadedChunks = append(ChunkSet(nil), s.UploadedChunks...)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// IsComplete reports whether every chunk has been admitted
func (s *UploadSession) IsComplete() bool {
	return len(s.UploadedChunks) == s.TotalChunks
}

// MissingChunks returns the indices not yet admitted, ascending
func (s *UploadSession) MissingChunks() []int {
	return s.UploadedChunks.Missing(s.TotalChunks)
}

// Progress returns the admitted fraction in [0, 1]
func (s *UploadSession) Progress() float64 {
	if s.TotalChunks == 0 {
		return 1
	}
	return float64(len(s.UploadedChunks)) / float64(s.TotalChunks)
}

// ChunkLength returns the expected byte length of the chunk at index
func (s *UploadSession) ChunkLength(index int) int64 {
	if index < 0 || index >= s.TotalChunks {
		return 0
	}
	if index == s.TotalChunks-1 {
		return s.TotalSize - int64(s.TotalChunks-1)*s.ChunkSize
	}
	return s.ChunkSize
}

// HasActiveLease reports whether a finalize lease is held at now
func (s *UploadSession) HasActiveLease(now time.Time) bool {
	return s.FinalizeLeaseID != "" && now.Before(s.FinalizeLeaseUntil)
}

// ChunkStatus describes the outcome of a chunk admission
type ChunkStatus string

const (
	ChunkUploaded        ChunkStatus = "uploaded"
	ChunkAlreadyUploaded ChunkStatus = "already_uploaded"
)

// InitiateRequest starts a new upload session
type InitiateRequest struct {
	Filename  string `json:"filename" binding:"required"`
	TotalSize int64  `json:"total_size"`
	ChunkSize int64  `json:"chunk_size,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
}

// InitiateResult is returned when a session is created
type InitiateResult struct {
	UploadID    string    `json:"upload_id"`
	Filename    string    `json:"filename"`
	TotalChunks int       `json:"total_chunks"`
	ChunkSize   int64     `json:"chunk_size"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ChunkResult is returned for every chunk admission
type ChunkResult struct {
	UploadID       string      `json:"upload_id"`
	ChunkIndex     int         `json:"chunk_index"`
	Status         ChunkStatus `json:"status"`
	Size           int64       `json:"size"`
	Checksum       string      `json:"checksum,omitempty"`
	UploadedChunks int         `json:"uploaded_chunks"`
	TotalChunks    int         `json:"total_chunks"`
	Progress       float64     `json:"progress"`
	State          UploadState `json:"state"`
}

// StatusResult reports the progress of an upload session
type StatusResult struct {
	UploadID       string      `json:"upload_id"`
	Filename       string      `json:"filename"`
	State          UploadState `json:"state"`
	TotalSize      int64       `json:"total_size"`
	ChunkSize      int64       `json:"chunk_size"`
	TotalChunks    int         `json:"total_chunks"`
	UploadedChunks []int       `json:"uploaded_chunks"`
	MissingChunks  []int       `json:"missing_chunks"`
	Progress       float64     `json:"progress"`
	ExpiresAt      time.Time   `json:"expires_at"`
}

// FinalizeRequest carries the optional whole-file checksum
type FinalizeRequest struct {
	Checksum string `json:"checksum,omitempty"`
}

// FinalizeResult is returned once the file has been assembled
type FinalizeResult struct {
	UploadID         string      `json:"upload_id"`
	Filename         string      `json:"filename"`
	Size             int64       `json:"size"`
	Checksum         string      `json:"checksum"`
	Location         string      `json:"location"`
	State            UploadState `json:"state"`
	AlreadyFinalized bool        `json:"already_finalized"`
}

// CancelResult acknowledges a cancellation
type CancelResult struct {
	UploadID string      `json:"upload_id"`
	State    UploadState `json:"state"`
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ErrorResponse is the body returned for failed upload operations
type ErrorResponse struct {
	Success          bool   `json:"success"`
	Error            string `json:"error"`
	Code             string `json:"code"`
	MissingChunks    []int  `json:"missing_chunks,omitempty"`
	ExpectedChecksum string `json:"expected_checksum,omitempty"`
	ActualChecksum   string `json:"actual_checksum,omitempty"`
}
