package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/softchor/jobdispatch/internal/api/model"
	"github.com/softchor/jobdispatch/shared/postgresql"
)

// ErrSongNotFound is returned when no song row matches the id
var ErrSongNotFound = errors.New("song not found")

const songColumns = `
	id, title,
	COALESCE(status::text, 'PENDING') AS status,
	COALESCE(progress, 0) AS progress,
	error_message, started_at, finished_at,
	COALESCE(created_at, to_timestamp(0)) AS created_at`

type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return NewStorageWithDB(pg.GetDB())
}

// NewStorageWithDB wraps an existing handle
func NewStorageWithDB(db *sqlx.DB) *Storage {
	return &Storage{db: db}
}

func (s *Storage) GetSong(ctx context.Context, id string) (*model.Song, error) {
	var song model.Song
	query := `SELECT ` + songColumns + `
		FROM songs
		WHERE id = $1
	`

	err := s.db.GetContext(ctx, &song, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSongNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get song: %w", err)
	}

	return &song, nil
}

type SongFilter struct {
	Status   string
	PageSize int
	Cursor   *SongCursor
}

type SongCursor struct {
	CreatedAt time.Time
	ID        string
}

// ListSongs returns up to PageSize+1 songs, newest first, so callers can tell
// whether another page exists.
func (s *Storage) ListSongs(ctx context.Context, filter SongFilter) ([]model.Song, error) {
	query := `SELECT ` + songColumns + `
		FROM songs
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"

	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var songs []model.Song
	err := s.db.SelectContext(ctx, &songs, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list songs: %w", err)
	}

	return songs, nil
}
