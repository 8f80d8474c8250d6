package models

// SessionStatus represents the status of an analysis session.
type SessionStatus string

const (
	SessionStatusPending  SessionStatus = "pending"
	SessionStatusParsing  SessionStatus = "parsing"
	SessionStatusComplete SessionStatus = "complete"
	SessionStatusError    SessionStatus = "error"
)

// AnalysisSession represents one upload-and-analyze session. Events live for
// the lifetime of the session only; nothing is persisted across sessions.
type AnalysisSession struct {
	ID               string         `json:"id"`
	FileIDs          []string       `json:"fileIds"`
	Status           SessionStatus  `json:"status"`
	Progress         float64        `json:"progress"` // 0-100
	EventCount       int            `json:"eventCount,omitempty"`
	SourceCount      int            `json:"sourceCount,omitempty"`
	WarningCount     int            `json:"warningCount,omitempty"`
	ProcessingTimeMs int64          `json:"processingTimeMs,omitempty"`
	StartTime        int64          `json:"startTime,omitempty"` // Unix ms
	EndTime          int64          `json:"endTime,omitempty"`   // Unix ms
	Errors           []SessionError `json:"errors,omitempty"`
}

// SessionError records a per-file failure. A failing file does not abort the
// session; sibling files keep processing.
type SessionError struct {
	FileID string `json:"fileId,omitempty"`
	File   string `json:"file,omitempty"`
	Format string `json:"format,omitempty"`
	Reason string `json:"reason"`
}

// NewAnalysisSession creates a new AnalysisSession in pending status.
func NewAnalysisSession(id string, fileIDs []string) *AnalysisSession {
	return &AnalysisSession{
		ID:      id,
		FileIDs: fileIDs,
		Status:  SessionStatusPending,
		Errors:  make([]SessionError, 0),
	}
}
