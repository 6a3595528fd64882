package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/softchor/jobdispatch/internal/api/model"
	"github.com/softchor/jobdispatch/internal/api/storage"
	"github.com/softchor/jobdispatch/internal/codec"
	"github.com/softchor/jobdispatch/internal/dispatch"
	"github.com/softchor/jobdispatch/internal/domain"
	"github.com/softchor/jobdispatch/shared/rabbitmq"
)

// Dispatcher enqueues a job on the broker
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID, taskType string, params domain.TaskParams) (dispatch.Result, error)
}

// SongStore reads the songs a job refers to
type SongStore interface {
	GetSong(ctx context.Context, id string) (*model.Song, error)
	ListSongs(ctx context.Context, filter storage.SongFilter) ([]model.Song, error)
}

// DatabaseChecker reports database reachability
type DatabaseChecker interface {
	HealthCheck(ctx context.Context) error
}

// BrokerStatus reports the publishing session state
type BrokerStatus interface {
	Status() rabbitmq.State
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger         *slog.Logger
	Songs          SongStore
	Dispatcher     Dispatcher
	Database       DatabaseChecker
	Broker         BrokerStatus
	PublishTimeout time.Duration
	KeyPrefix      string
	ServiceName    string
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger         *slog.Logger
	songs          SongStore
	dispatcher     Dispatcher
	codec          *codec.Codec
	publishTimeout time.Duration
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:         deps.Logger.With(slog.String("component", "job-handler")),
		songs:          deps.Songs,
		dispatcher:     deps.Dispatcher,
		codec:          codec.New(),
		publishTimeout: deps.PublishTimeout,
	}
}
