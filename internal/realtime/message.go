package realtime

import "strings"

type SSEEvent string

const (
	SSEEventJobCreated   SSEEvent = "JobCreated"
	SSEEventJobProgress  SSEEvent = "JobProgress"
	SSEEventJobFailed    SSEEvent = "JobFailed"
	SSEEventJobCompleted SSEEvent = "JobCompleted"
	SSEEventJobCancelled SSEEvent = "JobCancelled"
)

type SSEMessage struct {
	Channel string   `json:"channel"`
	Event   SSEEvent `json:"event"`
	Data    any      `json:"data,omitempty"`
}

// JobChannel is the channel every notification about one job is published on.
func JobChannel(jobID string) string {
	return "job:" + strings.TrimSpace(jobID)
}
