package window

// Span is how many pages a window keeps behind and ahead of the reader.
type Span struct {
	Behind int `json:"behind"`
	Ahead  int `json:"ahead"`
}

// Policy maps document types to window spans.
type Policy struct {
	Spans   map[DocType]Span
	Default Span
}

func DefaultPolicy() Policy {
	return Policy{
		Spans: map[DocType]Span{
			DocTypeLecture: {Behind: 2, Ahead: 5},
			DocTypeSlides:  {Behind: 0, Ahead: 1},
		},
		Default: Span{Behind: 2, Ahead: 5},
	}
}

func (p Policy) span(docType DocType) Span {
	if s, ok := p.Spans[docType]; ok {
		return s
	}
	return p.Default
}

// Initial centers a window on page. pageCount <= 0 means the upper bound is unknown.
func (p Policy) Initial(docType DocType, page, pageCount int) Range {
	s := p.span(docType)
	return clamp(Range{Start: page - s.Behind, End: page + s.Ahead}, pageCount)
}

// Extend grows the window forward to follow the reader. Neither edge moves backward,
// so trailing progress is only dropped once the reader has moved past it. A reader
// who steps back before the window gets a relocated window, as with Shift.
func (p Policy) Extend(cur Range, docType DocType, page, pageCount int) Range {
	target := p.Initial(docType, page, pageCount)
	if page < cur.Start {
		return target
	}
	out := cur
	if target.Start > out.Start {
		out.Start = target.Start
	}
	if target.End > out.End {
		out.End = target.End
	}
	return clamp(out, pageCount)
}

// Shift relocates the window around page after a jump.
func (p Policy) Shift(docType DocType, page, pageCount int) Range {
	return p.Initial(docType, page, pageCount)
}

// Apply dispatches on action.
func (p Policy) Apply(action Action, cur Range, docType DocType, page, pageCount int) (Range, error) {
	switch action {
	case ActionExtend:
		return p.Extend(cur, docType, page, pageCount), nil
	case ActionShift:
		return p.Shift(docType, page, pageCount), nil
	default:
		return cur, ErrUnknownAction
	}
}

func clamp(r Range, pageCount int) Range {
	if r.Start < 1 {
		r.Start = 1
	}
	if pageCount > 0 && r.End > pageCount {
		r.End = pageCount
	}
	if r.End < r.Start {
		r.End = r.Start
	}
	return r
}
