package common

import (
	"strings"

	"github.com/google/uuid"
)

const (
	jobIDPrefix = "job_"
	runIDPrefix = "run_"
)

// NewJobID generates a unique job ID with the "job_" prefix
// Format: job_<uuid>
func NewJobID() string {
	return jobIDPrefix + uuid.New().String()
}

// NewRunID generates a unique cleanup run ID with the "run_" prefix
func NewRunID() string {
	return runIDPrefix + uuid.New().String()
}

// IsJobID reports whether s has the shape produced by NewJobID.
// Used to tell job artifacts apart from anything else sharing a directory.
func IsJobID(s string) bool {
	if !strings.HasPrefix(s, jobIDPrefix) {
		return false
	}
	_, err := uuid.Parse(strings.TrimPrefix(s, jobIDPrefix))
	return err == nil
}
