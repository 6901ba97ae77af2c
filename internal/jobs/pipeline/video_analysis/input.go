package video_analysis

import "strings"

const defaultLanguage = "en-US"

type Input struct {
	SourceURL string `json:"source_url" validate:"required,url,max=2000"`
	Language  string `json:"language" validate:"max=20"`
	Title     string `json:"title,omitempty" validate:"max=500"`
	Author    string `json:"author,omitempty" validate:"max=200"`
}

func applyDefaults(in *Input) {
	in.SourceURL = strings.TrimSpace(in.SourceURL)
	in.Author = strings.TrimSpace(in.Author)
	if strings.TrimSpace(in.Language) == "" {
		in.Language = defaultLanguage
	}
}
