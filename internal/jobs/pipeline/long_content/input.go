package long_content

import (
	"strings"

	"github.com/google/uuid"
)

const (
	defaultTargetLength = 20000
	defaultChunkLength  = 5000
	maxSections         = 40
)

type Input struct {
	Title             string      `json:"title" validate:"required,max=500"`
	Brief             string      `json:"brief,omitempty" validate:"max=8000"`
	TargetLength      int         `json:"target_length" validate:"min=1000,max=400000"`
	ChunkLength       int         `json:"chunk_length" validate:"min=500,max=20000"`
	Author            string      `json:"author,omitempty" validate:"max=200"`
	ContentType       string      `json:"content_type,omitempty" validate:"max=100"`
	PinnedDocumentIDs []uuid.UUID `json:"pinned_document_ids,omitempty" validate:"max=20"`
}

func applyDefaults(in *Input) {
	in.Title = strings.TrimSpace(in.Title)
	in.Author = strings.TrimSpace(in.Author)
	in.ContentType = strings.TrimSpace(in.ContentType)
	if in.TargetLength == 0 {
		in.TargetLength = defaultTargetLength
	}
	if in.ChunkLength == 0 {
		in.ChunkLength = defaultChunkLength
	}
}

// Sections is how many chunks the target length calls for.
func (in Input) Sections() int {
	if in.ChunkLength <= 0 {
		return 1
	}
	n := (in.TargetLength + in.ChunkLength - 1) / in.ChunkLength
	if n < 1 {
		n = 1
	}
	if n > maxSections {
		n = maxSections
	}
	return n
}
