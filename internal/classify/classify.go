// Package classify maps transport and processing failures onto the closed set
// of user-facing error categories and renders their localized explanations.
//
// Errors that carry a structured code are classified from that code. Everything
// else goes through priority-ordered substring rules, first match wins, since
// failure messages often contain overlapping words ("401 fetch failed").
package classify

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"shopassist/internal/i18n"
)

// Category is one of the user-facing error categories.
type Category int

const (
	Unexpected Category = iota
	Authentication
	Connectivity
	StreamProcessing
	Submission
)

// String returns the string representation of Category.
func (c Category) String() string {
	switch c {
	case Authentication:
		return "authentication"
	case Connectivity:
		return "connectivity"
	case StreamProcessing:
		return "stream_processing"
	case Submission:
		return "submission"
	default:
		return "unexpected"
	}
}

// Structured codes understood on errors implementing Coded.
const (
	CodeUnauthorized = "unauthorized"
	CodeNetwork      = "network"
	CodeStream       = "stream"
	CodeSubmission   = "submission"
)

// Coded is implemented by errors that carry a machine-readable code.
type Coded interface {
	ErrorCode() string
}

// Result is the outcome of classifying one failure.
type Result struct {
	Category Category
	// Detail is the raw error text.
	Detail string
}

type rule struct {
	category Category
	patterns []string
}

// rules are evaluated in order; authentication must stay first.
var rules = []rule{
	{Authentication, []string{"unauthorized", "invalid token", "invalid-token", "401"}},
	{Connectivity, []string{"fetch", "network"}},
	{StreamProcessing, []string{"stream", "processing"}},
}

// Classify categorizes a failure from the streaming path. A nil error is
// Unexpected with no detail.
func Classify(err error) Result {
	return classify(err, Unexpected)
}

// ClassifySubmission categorizes a failure raised while preparing a request;
// anything no rule claims is a Submission error.
func ClassifySubmission(err error) Result {
	return classify(err, Submission)
}

func classify(err error, fallback Category) Result {
	if err == nil {
		return Result{Category: Unexpected}
	}
	detail := errorText(err)
	if c, ok := fromCode(err); ok {
		return Result{Category: c, Detail: detail}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Result{Category: Connectivity, Detail: detail}
	}
	return Result{Category: match(detail, fallback), Detail: detail}
}

func fromCode(err error) (Category, bool) {
	var coded Coded
	if !errors.As(err, &coded) {
		return Unexpected, false
	}
	switch strings.ToLower(safeCode(coded)) {
	case CodeUnauthorized:
		return Authentication, true
	case CodeNetwork:
		return Connectivity, true
	case CodeStream:
		return StreamProcessing, true
	case CodeSubmission:
		return Submission, true
	}
	return Unexpected, false
}

func match(msg string, fallback Category) Category {
	lower := strings.ToLower(msg)
	for _, r := range rules {
		for _, p := range r.patterns {
			if strings.Contains(lower, p) {
				return r.category
			}
		}
	}
	return fallback
}

// errorText guards against Error methods that panic, e.g. on typed nil pointers.
func errorText(err error) (text string) {
	defer func() {
		if r := recover(); r != nil {
			text = fmt.Sprintf("%T", err)
		}
	}()
	return err.Error()
}

func safeCode(c Coded) (code string) {
	defer func() {
		if recover() != nil {
			code = ""
		}
	}()
	return c.ErrorCode()
}

// Renderer turns results into localized markdown message bodies.
type Renderer struct {
	loc      *i18n.Localizer
	endpoint string
	debug    bool
}

// NewRenderer builds a renderer. endpoint is the configured chat endpoint
// shown in connectivity errors; debug appends the raw error and endpoint to
// every message.
func NewRenderer(loc *i18n.Localizer, endpoint string, debug bool) *Renderer {
	if loc == nil {
		loc = i18n.New("")
	}
	return &Renderer{loc: loc, endpoint: endpoint, debug: debug}
}

// Render produces the message body for r.
func (r *Renderer) Render(res Result) string {
	var body string
	switch res.Category {
	case Authentication:
		body = r.loc.Sprintf(i18n.KeyAuthentication)
	case Connectivity:
		body = r.loc.Sprintf(i18n.KeyConnectivity, r.endpointText())
	case StreamProcessing:
		body = r.loc.Sprintf(i18n.KeyStreamProcessing, res.Detail)
	case Submission:
		body = r.loc.Sprintf(i18n.KeySubmission, res.Detail)
	default:
		body = r.loc.Sprintf(i18n.KeyUnexpected, res.Detail)
	}
	if r.debug {
		body += r.loc.Sprintf(i18n.KeyDebugDetail, res.Detail, r.endpointText())
	}
	return body
}

func (r *Renderer) endpointText() string {
	if r.endpoint == "" {
		return "(unset)"
	}
	return r.endpoint
}
