// Package objectkey builds object storage keys for uploads and worker outputs.
package objectkey

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// DefaultPrefix is used when the caller does not provide one.
const DefaultPrefix = "uploads"

// Generate returns a collision-free key of the form <prefix>/<uuid>.<ext>.
// The extension is taken from filename and lower-cased; filenames without one
// produce a key without a trailing dot.
func Generate(filename, prefix string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate object id: %w", err)
	}

	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}

	key := prefix + "/" + id.String()
	if ext := Extension(filename); ext != "" {
		key += "." + ext
	}

	return key, nil
}

// Extension returns the lower-cased extension of filename without the dot.
func Extension(filename string) string {
	ext := path.Ext(path.Base(strings.ReplaceAll(filename, "\\", "/")))
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// Output returns the key a worker writes a named artifact under for a job.
func Output(jobID, name string) string {
	return path.Join("jobs", jobID, name)
}

// OutputPrefix returns the directory-like prefix holding a job's artifacts.
func OutputPrefix(jobID string) string {
	return "jobs/" + jobID + "/"
}
