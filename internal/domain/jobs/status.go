package jobs

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// TerminalStatuses are the states no stage may execute against.
var TerminalStatuses = []string{string(StatusCompleted), string(StatusFailed), string(StatusCancelled)}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Kind selects the stage list a job runs.
type Kind string

const (
	KindVideoAnalysis   Kind = "video_analysis"
	KindSEOArticle      Kind = "seo_article"
	KindLongContent     Kind = "long_content"
	KindVideoGeneration Kind = "video_generation"
)

var Kinds = []Kind{KindVideoAnalysis, KindSEOArticle, KindLongContent, KindVideoGeneration}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}
