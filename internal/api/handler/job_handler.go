package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/softchor/jobdispatch/internal/api/dto"
	"github.com/softchor/jobdispatch/internal/api/model"
	"github.com/softchor/jobdispatch/internal/api/storage"
	"github.com/softchor/jobdispatch/internal/domain"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/jobs
// Enqueues a processing task for an existing song
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid request body"})
		return
	}

	params := domain.TaskParams{InputKey: req.InputKey}

	// reject bad input before touching the database
	if _, err := h.codec.Build(req.JobID, domain.TaskType(req.TaskType), params); err != nil {
		h.writeDispatchError(c, req, err)
		return
	}

	if _, err := h.songs.GetSong(c.Request.Context(), req.JobID); err != nil {
		h.writeSongError(c, req.JobID, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.publishTimeout)
	defer cancel()

	result, err := h.dispatcher.Dispatch(ctx, req.JobID, req.TaskType, params)
	if err != nil {
		h.writeDispatchError(c, req, err)
		return
	}

	c.JSON(http.StatusAccepted, result)
}

func (h *JobHandler) writeDispatchError(c *gin.Context, req dto.CreateJobRequest, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:  "invalid request",
			Field:  validationErr.Field,
			Reason: validationErr.Reason,
		})
		return
	}

	h.logger.Error("Failed to enqueue job",
		slog.String("job_id", req.JobID),
		slog.String("task_type", req.TaskType),
		slog.Any("error", err),
	)
	c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: "job queue unavailable"})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the processing state of the song the job belongs to
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if !validJobID(jobID) {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:  "invalid request",
			Field:  "job_id",
			Reason: "must be a valid UUID",
		})
		return
	}

	song, err := h.songs.GetSong(c.Request.Context(), jobID)
	if err != nil {
		h.writeSongError(c, jobID, err)
		return
	}

	c.JSON(http.StatusOK, toJobStatus(song))
}

// ListJobs handles GET /api/v1/jobs
// Lists songs with their processing state, newest first
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid query parameters"})
		return
	}

	if req.Status != "" && !validSongStatus(req.Status) {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:  "invalid query parameters",
			Field:  "status",
			Reason: "must be one of PENDING, PROCESSING, COMPLETED, FAILED",
		})
		return
	}

	if req.PageSize < 0 || req.PageSize > maxPageSize {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:  "invalid query parameters",
			Field:  "page_size",
			Reason: fmt.Sprintf("must be between 1 and %d", maxPageSize),
		})
		return
	}

	if req.PageSize == 0 {
		req.PageSize = defaultPageSize
	}

	cursor, err := DecodeSongCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid cursor"})
		return
	}

	songs, err := h.songs.ListSongs(c.Request.Context(), storage.SongFilter{
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list songs", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "failed to list jobs"})
		return
	}

	hasMore := len(songs) > req.PageSize
	if hasMore {
		songs = songs[:req.PageSize]
	}

	jobs := make([]dto.JobStatusDTO, len(songs))
	for i := range songs {
		jobs[i] = toJobStatus(&songs[i])
	}

	var nextCursor string
	if hasMore {
		last := songs[len(songs)-1]
		nextCursor = EncodeSongCursor(&storage.SongCursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobs,
		NextCursor: nextCursor,
	})
}

func (h *JobHandler) writeSongError(c *gin.Context, jobID string, err error) {
	if errors.Is(err, storage.ErrSongNotFound) {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "job not found"})
		return
	}

	h.logger.Error("Failed to load song",
		slog.String("job_id", jobID),
		slog.Any("error", err),
	)
	c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "failed to load job"})
}

// songs.id is a postgres uuid, anything else would fail the cast
func validJobID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

func validSongStatus(status string) bool {
	switch status {
	case domain.SongStatusPending, domain.SongStatusProcessing, domain.SongStatusCompleted, domain.SongStatusFailed:
		return true
	}
	return false
}

func toJobStatus(song *model.Song) dto.JobStatusDTO {
	return dto.JobStatusDTO{
		JobID:        song.ID,
		Title:        song.Title,
		Status:       song.Status,
		Progress:     song.Progress,
		ErrorMessage: song.ErrorMessage,
		StartedAt:    formatTime(song.StartedAt),
		FinishedAt:   formatTime(song.FinishedAt),
		CreatedAt:    song.CreatedAt.Format(time.RFC3339),
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
