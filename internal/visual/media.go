package visual

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	"agentchat/internal/models"
	"agentchat/internal/storage"
)

// ErrMediaNotFound is returned for unknown media ids.
var ErrMediaNotFound = errors.New("media not found")

// MediaStore keeps media bytes on disk under <dir>/<conversation>/ and the
// metadata in the media table.
type MediaStore struct {
	db  *storage.DB
	dir string
	now func() time.Time
}

func NewMediaStore(db *storage.DB, dir string) *MediaStore {
	return &MediaStore{db: db, dir: dir, now: time.Now}
}

// Digest is the hex BLAKE3-256 of data. It doubles as the HTTP ETag.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Save writes data and records it. The file is written to a temp name and
// renamed so readers never see a partial image.
func (s *MediaStore) Save(ctx context.Context, conversationID, runID, mediaType string, data []byte) (*models.Media, error) {
	if len(data) == 0 {
		return nil, errors.New("media is empty")
	}
	media := &models.Media{
		ID:             models.NewID(),
		ConversationID: conversationID,
		RunID:          runID,
		MediaType:      mediaType,
		Digest:         Digest(data),
		Size:           int64(len(data)),
		CreatedAt:      s.now().UTC(),
	}
	dir := filepath.Join(s.dir, conversationID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	media.StoragePath = filepath.Join(dir, media.ID+extension(mediaType))
	if err := writeFileAtomic(dir, media.StoragePath, data); err != nil {
		return nil, err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO media (id, conversation_id, run_id, media_type, storage_path, digest, size, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		media.ID, media.ConversationID, media.RunID, media.MediaType, media.StoragePath,
		media.Digest, media.Size, storage.Timestamp(media.CreatedAt),
	)
	if err != nil {
		_ = os.Remove(media.StoragePath)
		return nil, fmt.Errorf("insert media: %w", err)
	}
	return media, nil
}

// Get loads media metadata.
func (s *MediaStore) Get(ctx context.Context, id string) (*models.Media, error) {
	var (
		media     models.Media
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, run_id, media_type, storage_path, digest, size, created_at FROM media WHERE id = ?`, id,
	).Scan(&media.ID, &media.ConversationID, &media.RunID, &media.MediaType, &media.StoragePath,
		&media.Digest, &media.Size, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMediaNotFound
		}
		return nil, fmt.Errorf("get media: %w", err)
	}
	media.CreatedAt = storage.FromTimestamp(createdAt)
	return &media, nil
}

// Open returns the stored bytes of media. A row whose file is gone reads as
// not found.
func (s *MediaStore) Open(media *models.Media) (*os.File, error) {
	f, err := os.Open(media.StoragePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrMediaNotFound
		}
		return nil, fmt.Errorf("open media: %w", err)
	}
	return f, nil
}

func writeFileAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "media-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp media: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write media: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close media: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename media: %w", err)
	}
	return nil
}

func extension(mediaType string) string {
	switch mediaType {
	case PNGMediaType:
		return ".png"
	case "image/svg+xml":
		return ".svg"
	case "image/jpeg":
		return ".jpg"
	default:
		return ".bin"
	}
}
