package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/softchor/jobdispatch/internal/api/dto"
	"github.com/softchor/jobdispatch/internal/objectkey"
)

// StorageHandler hands out object keys for uploads
type StorageHandler struct {
	logger    *slog.Logger
	keyPrefix string
}

func NewStorageHandler(deps *Dependencies) *StorageHandler {
	return &StorageHandler{
		logger:    deps.Logger.With(slog.String("component", "storage-handler")),
		keyPrefix: deps.KeyPrefix,
	}
}

// CreateKey handles POST /api/v1/storage/keys
func (h *StorageHandler) CreateKey(c *gin.Context) {
	var req dto.StorageKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:  "invalid request body",
			Field:  "filename",
			Reason: "is required",
		})
		return
	}

	prefix := req.Prefix
	if prefix == "" {
		prefix = h.keyPrefix
	}

	key, err := objectkey.Generate(req.Filename, prefix)
	if err != nil {
		h.logger.Error("Failed to generate object key", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "failed to generate key"})
		return
	}

	c.JSON(http.StatusCreated, dto.StorageKeyResponse{Key: key})
}
