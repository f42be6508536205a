package notifier

import "time"

// Level of a job notice.
type Level string

// Notice levels.
const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notice is a transient message about a job, shown by widgets as a toast.
type Notice struct {
	Level   Level     `json:"level"`
	JobID   string    `json:"jobId,omitempty"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}
