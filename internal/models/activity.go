package models

// JobActivity is one job lifecycle event streamed to websocket clients
type JobActivity struct {
	JobID     string            `json:"job_id"`
	Level     string            `json:"level"` // INF, WRN, ERR, DBG
	Message   string            `json:"message"`
	Status    JobStatus         `json:"status,omitempty"`
	Timestamp string            `json:"timestamp"` // RFC3339
	Fields    map[string]string `json:"fields,omitempty"`
}
