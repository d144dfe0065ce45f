// Package blobstore stores prescription documents. It defines the BlobStore
// interface, an in-memory implementation used by the sandbox backend, and
// adapters satisfying monitoring.PrescriptionUploader: one over a BlobStore
// and one over the remote Medical Files API.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/carelink/internal/domain/monitoring"
	"github.com/carelink/carelink/internal/platform/remote"
)

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
)

// MaxFileSize is the maximum prescription size in bytes (10 MB).
const MaxFileSize = 10 * 1024 * 1024

const CategoryPrescription = "prescription"

// AllowedContentTypes lists the accepted prescription formats.
var AllowedContentTypes = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
}

// BlobMetadata describes a stored prescription.
type BlobMetadata struct {
	ID          string            `json:"id"`
	FileName    string            `json:"fileName"`
	ContentType string            `json:"contentType"`
	Size        int64             `json:"size"`
	TeamID      string            `json:"teamId"`
	PatientID   string            `json:"patientId"`
	Category    string            `json:"category"`
	Hash        string            `json:"hash"`
	CreatedAt   time.Time         `json:"createdAt"`
	CreatedBy   string            `json:"createdBy"`
	Tags        map[string]string `json:"tags,omitempty"`
}

type BlobStore interface {
	Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error)
	Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error)
	GetMetadata(ctx context.Context, id string) (*BlobMetadata, error)
	ListByPatient(ctx context.Context, teamID, patientID string) ([]*BlobMetadata, error)
}

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe BlobStore for tests and the sandbox.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
	now   func() time.Time
}

func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{
		blobs: make(map[string]*storedBlob),
		now:   time.Now,
	}
}

// Upload validates the metadata, reads at most MaxFileSize bytes, hashes the
// content and stores it.
func (s *InMemoryBlobStore) Upload(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	if meta.FileName == "" {
		return nil, ErrMissingFileName
	}
	if !AllowedContentTypes[meta.ContentType] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidContentType, meta.ContentType)
	}

	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}

	h := sha256.Sum256(data)
	meta.ID = uuid.New().String()
	meta.Size = int64(len(data))
	meta.Hash = fmt.Sprintf("%x", h)
	meta.CreatedAt = s.now().UTC()
	if meta.Category == "" {
		meta.Category = CategoryPrescription
	}
	meta.Tags = copyTags(meta.Tags)

	s.mu.Lock()
	s.blobs[meta.ID] = &storedBlob{metadata: meta, content: data}
	s.mu.Unlock()

	out := meta
	out.Tags = copyTags(meta.Tags)
	return &out, nil
}

func (s *InMemoryBlobStore) Download(_ context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	meta := blob.metadata
	meta.Tags = copyTags(meta.Tags)
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

func (s *InMemoryBlobStore) GetMetadata(_ context.Context, id string) (*BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}
	meta := blob.metadata
	meta.Tags = copyTags(meta.Tags)
	return &meta, nil
}

// ListByPatient returns the prescriptions of one patient in one team,
// newest first.
func (s *InMemoryBlobStore) ListByPatient(_ context.Context, teamID, patientID string) ([]*BlobMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*BlobMetadata
	for _, b := range s.blobs {
		if b.metadata.PatientID != patientID || (teamID != "" && b.metadata.TeamID != teamID) {
			continue
		}
		m := b.metadata
		m.Tags = copyTags(m.Tags)
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func copyTags(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// ---------------------------------------------------------------------------
// Uploaders
// ---------------------------------------------------------------------------

// Tag keys set on every stored prescription.
const (
	TagNumberOfMonths = "numberOfMonths"
	TagMemberID       = "memberId"
)

// StoreUploader writes prescriptions into a BlobStore.
type StoreUploader struct {
	store BlobStore
}

func NewStoreUploader(store BlobStore) *StoreUploader {
	return &StoreUploader{store: store}
}

func (u *StoreUploader) UploadPrescription(ctx context.Context, teamID, patientID, memberID string, months int, f monitoring.File) error {
	_, err := u.store.Upload(ctx, BlobMetadata{
		FileName:    f.Name,
		ContentType: f.ContentType,
		TeamID:      teamID,
		PatientID:   patientID,
		Category:    CategoryPrescription,
		CreatedBy:   memberID,
		Tags: map[string]string{
			TagNumberOfMonths: strconv.Itoa(months),
			TagMemberID:       memberID,
		},
	}, bytes.NewReader(f.Data))
	return err
}

// Client uploads prescriptions to the remote Medical Files API.
type Client struct {
	rc *remote.Client
}

func NewClient(baseURL string, token func() string, opts ...remote.Option) (*Client, error) {
	rc, err := remote.New("medical-files-api", baseURL, token, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{rc: rc}, nil
}

func (c *Client) UploadPrescription(ctx context.Context, teamID, patientID, memberID string, months int, f monitoring.File) error {
	if int64(len(f.Data)) > MaxFileSize {
		return ErrFileTooLarge
	}
	fields := map[string]string{
		"teamId":         teamID,
		"patientId":      patientID,
		"prescriptorId":  memberID,
		"numberOfMonths": strconv.Itoa(months),
	}
	file := remote.FilePart{Field: "prescription", FileName: f.Name, ContentType: f.ContentType, Data: f.Data}
	return c.rc.Multipart(ctx, "/prescriptions", fields, file, nil)
}
