package video_generation

import "strings"

const defaultDuration = 60

type Input struct {
	Theme           string `json:"theme" validate:"required,max=500"`
	DurationSeconds int    `json:"duration_seconds" validate:"min=10,max=900"`
	Author          string `json:"author,omitempty" validate:"max=200"`
	Remarks         string `json:"remarks,omitempty" validate:"max=2000"`
}

func applyDefaults(in *Input) {
	in.Theme = strings.TrimSpace(in.Theme)
	in.Author = strings.TrimSpace(in.Author)
	in.Remarks = strings.TrimSpace(in.Remarks)
	if in.DurationSeconds == 0 {
		in.DurationSeconds = defaultDuration
	}
}

// SlideCount is one slide per ~8 seconds, clamped to 3..20.
func (in Input) SlideCount() int {
	n := (in.DurationSeconds + 7) / 8
	switch {
	case n < 3:
		return 3
	case n > 20:
		return 20
	}
	return n
}
