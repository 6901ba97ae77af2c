package seo_article

import (
	"strings"

	"github.com/google/uuid"
)

const defaultTargetLength = 20000

type Input struct {
	Theme             string      `json:"theme" validate:"required,max=500"`
	Author            string      `json:"author,omitempty" validate:"max=200"`
	TargetLength      int         `json:"target_length" validate:"min=1000,max=200000"`
	Genre             []string    `json:"genre,omitempty" validate:"max=20,dive,max=100"`
	ContentType       string      `json:"content_type,omitempty" validate:"max=100"`
	PinnedDocumentIDs []uuid.UUID `json:"pinned_document_ids,omitempty" validate:"max=20"`
	AutoEnhance       bool        `json:"auto_enhance"`
	Remarks           string      `json:"remarks,omitempty" validate:"max=4000"`
	Offer             string      `json:"offer,omitempty" validate:"max=2000"`
}

func applyDefaults(in *Input) {
	in.Theme = strings.TrimSpace(in.Theme)
	in.Author = strings.TrimSpace(in.Author)
	in.ContentType = strings.TrimSpace(in.ContentType)
	if in.TargetLength == 0 {
		in.TargetLength = defaultTargetLength
	}
}
