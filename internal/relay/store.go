// Package relay is the fallback transfer path: when two peers cannot
// establish a direct connection, one uploads the file here and the other
// streams it back out. Files live on disk under opaque ids; metadata is
// in-memory only and is lost across restarts by design.
package relay

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pierrec/lz4/v4"

	"beam/server/internal/metrics"
)

const (
	// MaxFileSize is the largest accepted upload (declared or observed).
	MaxFileSize = 5 << 30

	// ChunkSize is the unit of streaming I/O on both paths. Nothing ever
	// buffers more than one chunk of payload.
	ChunkSize = 1 << 20

	// FileTTL is how long an uploaded file stays downloadable.
	FileTTL = time.Hour

	// MinCompressSize is the declared size below which compression is not
	// worth the frame overhead.
	MinCompressSize = 1024

	// compressionLevel balances speed against ratio for the LZ4 frames.
	compressionLevel = lz4.Level4

	// janitorInterval is the cadence of the expired-file sweep.
	janitorInterval = 5 * time.Minute

	defaultContentType = "application/octet-stream"

	// compressedSuffix marks on-disk objects stored as LZ4 frames.
	compressedSuffix = ".lz4"
)

// Sentinel errors mapped onto HTTP status codes by the endpoint layer.
var (
	ErrFileNotFound = errors.New("relay file not found")
	ErrTooLarge     = errors.New("relay file exceeds size limit")
)

// FileMetadata describes one stored file. Checksum is the XXH64 hex digest
// of the plaintext, so clients can verify integrity after decompression.
type FileMetadata struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	StoredSize   int64     `json:"storedSize"`
	OriginalSize int64     `json:"originalSize"`
	MimeType     string    `json:"mimeType"`
	Checksum     string    `json:"checksum"`
	Compressed   bool      `json:"compressed"`
	RoomCode     string    `json:"roomCode,omitempty"`
	UploadedAt   time.Time `json:"uploadedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// PutInput carries one upload into the store.
type PutInput struct {
	Name         string
	MimeType     string
	RoomCode     string
	DeclaredSize int64
	Compress     bool
	Reader       io.Reader
}

// OpenResult is a metadata + opened stream tuple. The caller owns closing
// the stream.
type OpenResult struct {
	Metadata FileMetadata
	Stream   io.ReadCloser
}

// Store coordinates relay bytes on disk with an in-memory metadata table.
// The metadata map has its own mutex, independent of the room registry;
// disk writes are single-writer per id by construction and files are
// immutable once stored, so reads interleave freely.
type Store struct {
	dir string

	mu         sync.Mutex
	files      map[string]FileMetadata
	totalBytes int64
}

// NewStore creates a relay store rooted at dir.
func NewStore(dir string) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("relay upload directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	slog.Debug("relay store initialized", "dir", dir)
	return &Store{dir: dir, files: make(map[string]FileMetadata)}, nil
}

// newFileID returns a 22-character URL-safe id from 16 bytes of entropy.
func newFileID() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

func (s *Store) diskPath(id string, compressed bool) string {
	if compressed {
		return filepath.Join(s.dir, id+compressedSuffix)
	}
	return filepath.Join(s.dir, id)
}

// Put streams one upload to disk, compressing when asked and worthwhile,
// and records its metadata. The payload is never held in memory beyond one
// chunk; the plaintext byte count and XXH64 digest are accumulated as the
// chunks pass through.
func (s *Store) Put(ctx context.Context, input PutInput) (FileMetadata, error) {
	if input.Reader == nil {
		return FileMetadata{}, fmt.Errorf("relay reader is required")
	}
	if input.DeclaredSize > MaxFileSize {
		return FileMetadata{}, ErrTooLarge
	}

	id, err := newFileID()
	if err != nil {
		return FileMetadata{}, fmt.Errorf("generate file id: %w", err)
	}

	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = "unknown"
	}
	mimeType := strings.TrimSpace(input.MimeType)
	if mimeType == "" {
		mimeType = defaultContentType
	}

	compressed := input.Compress && input.DeclaredSize > MinCompressSize

	tempFile, err := os.CreateTemp(s.dir, ".relay-write-*")
	if err != nil {
		return FileMetadata{}, fmt.Errorf("create temp relay file: %w", err)
	}
	tempPath := tempFile.Name()
	abort := func() {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
	}

	var dst io.Writer = tempFile
	var lzWriter *lz4.Writer
	if compressed {
		lzWriter = lz4.NewWriter(tempFile)
		if err := lzWriter.Apply(lz4.CompressionLevelOption(compressionLevel)); err != nil {
			abort()
			return FileMetadata{}, fmt.Errorf("configure lz4 writer: %w", err)
		}
		dst = lzWriter
	}

	hasher := xxhash.New()
	var originalSize int64
	buf := make([]byte, ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			abort()
			return FileMetadata{}, fmt.Errorf("upload canceled: %w", err)
		}
		n, readErr := input.Reader.Read(buf)
		if n > 0 {
			originalSize += int64(n)
			if originalSize > MaxFileSize {
				abort()
				return FileMetadata{}, ErrTooLarge
			}
			_, _ = hasher.Write(buf[:n])
			if _, err := dst.Write(buf[:n]); err != nil {
				abort()
				return FileMetadata{}, fmt.Errorf("write relay bytes: %w", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			abort()
			return FileMetadata{}, fmt.Errorf("read upload stream: %w", readErr)
		}
	}

	if lzWriter != nil {
		// Close flushes the frame footer; without it the stored object is
		// not a complete LZ4 frame.
		if err := lzWriter.Close(); err != nil {
			abort()
			return FileMetadata{}, fmt.Errorf("finalize lz4 frame: %w", err)
		}
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tempPath)
		return FileMetadata{}, fmt.Errorf("close relay file: %w", err)
	}

	info, err := os.Stat(tempPath)
	if err != nil {
		_ = os.Remove(tempPath)
		return FileMetadata{}, fmt.Errorf("stat relay file: %w", err)
	}

	finalPath := s.diskPath(id, compressed)
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return FileMetadata{}, fmt.Errorf("move relay file into place: %w", err)
	}

	now := time.Now()
	meta := FileMetadata{
		ID:           id,
		Name:         name,
		StoredSize:   info.Size(),
		OriginalSize: originalSize,
		MimeType:     mimeType,
		Checksum:     fmt.Sprintf("%016x", hasher.Sum64()),
		Compressed:   compressed,
		RoomCode:     strings.TrimSpace(input.RoomCode),
		UploadedAt:   now,
		ExpiresAt:    now.Add(FileTTL),
	}

	s.mu.Lock()
	s.files[id] = meta
	s.totalBytes += originalSize
	count := len(s.files)
	s.mu.Unlock()

	metrics.RelayBytesTotal.Add(float64(originalSize))
	metrics.RelayFiles.Set(float64(count))

	slog.Info("relay file stored",
		"file_id", id, "name", name, "stored_size", meta.StoredSize,
		"original_size", originalSize, "compressed", compressed, "checksum", meta.Checksum)
	return meta, nil
}

// Open resolves metadata and opens the on-disk object for streaming.
// For a compressed object with decompress=true the returned stream yields
// plaintext through an LZ4 frame reader; a corrupt frame surfaces as a
// read error and aborts the stream, it is never passed through raw.
func (s *Store) Open(ctx context.Context, id string, decompress bool) (OpenResult, error) {
	_ = ctx

	s.mu.Lock()
	meta, ok := s.files[id]
	s.mu.Unlock()
	if !ok {
		return OpenResult{}, ErrFileNotFound
	}

	path := s.diskPath(id, meta.Compressed)
	f, err := os.Open(path)
	if err != nil {
		// Metadata without a disk object: distinguishable in logs, same
		// not-found to the caller.
		slog.Error("relay file missing on disk", "file_id", id, "path", path, "err", err)
		return OpenResult{}, ErrFileNotFound
	}

	var stream io.ReadCloser = f
	if meta.Compressed && decompress {
		stream = &decompressStream{lz: lz4.NewReader(f), f: f}
	}

	slog.Debug("relay file opened", "file_id", id, "decompress", meta.Compressed && decompress)
	return OpenResult{Metadata: meta, Stream: stream}, nil
}

// Info returns metadata for one file without touching the disk.
func (s *Store) Info(id string) (FileMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.files[id]
	return meta, ok
}

// Delete removes metadata and the on-disk object. Absent ids and already-
// removed files are tolerated; Delete is idempotent.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	meta, ok := s.files[id]
	if ok {
		delete(s.files, id)
	}
	count := len(s.files)
	s.mu.Unlock()

	if !ok {
		return
	}
	if err := os.Remove(s.diskPath(id, meta.Compressed)); err != nil && !os.IsNotExist(err) {
		slog.Error("remove relay file", "file_id", id, "err", err)
	}
	metrics.RelayFiles.Set(float64(count))
	slog.Info("relay file deleted", "file_id", id)
}

// TotalBytesRelayed reports cumulative plaintext bytes accepted.
func (s *Store) TotalBytesRelayed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalBytes
}

// RunJanitor deletes expired files every five minutes until ctx is
// canceled. A cancellation mid-sleep exits promptly without another sweep.
func (s *Store) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.sweep(); n > 0 {
				slog.Info("expired relay files swept", "count", n)
			}
		}
	}
}

// sweep deletes every file past its expiry and returns the count.
func (s *Store) sweep() int {
	now := time.Now()

	s.mu.Lock()
	expired := make([]string, 0)
	for id, meta := range s.files {
		if now.After(meta.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.Delete(id)
	}
	return len(expired)
}

// decompressStream reads plaintext out of an on-disk LZ4 frame.
type decompressStream struct {
	lz *lz4.Reader
	f  *os.File
}

func (d *decompressStream) Read(p []byte) (int, error) {
	return d.lz.Read(p)
}

func (d *decompressStream) Close() error {
	return d.f.Close()
}
