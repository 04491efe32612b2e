// Package window computes the page ranges a generation session works on.
package window

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownAction  = errors.New("unknown window action")
	ErrUnknownDocType = errors.New("unknown document type")
)

// Range is an inclusive page interval.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r Range) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

func (r Range) Contains(page int) bool {
	return page >= r.Start && page <= r.End
}

// Pages lists every page in the range in ascending order.
func (r Range) Pages() []int {
	n := r.Len()
	if n == 0 {
		return nil
	}
	out := make([]int, 0, n)
	for p := r.Start; p <= r.End; p++ {
		out = append(out, p)
	}
	return out
}

func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Action selects how UpdateWindow recomputes the range.
type Action int

const (
	// ActionExtend follows forward sequential reading.
	ActionExtend Action = iota + 1
	// ActionShift relocates the window after a jump.
	ActionShift
)

func (a Action) String() string {
	switch a {
	case ActionExtend:
		return "extend"
	case ActionShift:
		return "shift"
	default:
		return "unknown"
	}
}

func (a Action) Valid() bool {
	return a == ActionExtend || a == ActionShift
}

func (a Action) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, ErrUnknownAction
	}
	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func ParseAction(raw string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "extend":
		return ActionExtend, nil
	case "shift":
		return ActionShift, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAction, raw)
	}
}

// DocType drives window sizing. Slide decks get a narrow window, dense text a wide one.
type DocType string

const (
	DocTypeLecture DocType = "Lecture"
	DocTypeSlides  DocType = "Slides"
)

func ParseDocType(raw string) (DocType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "lecture", "text":
		return DocTypeLecture, nil
	case "slides", "slide", "ppt":
		return DocTypeSlides, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDocType, raw)
	}
}
