package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"shopassist/internal/i18n"
)

type codedErr struct{ code, msg string }

func (e *codedErr) Error() string     { return e.msg }
func (e *codedErr) ErrorCode() string { return e.code }

type nilPtrErr struct{ msg string }

func (e *nilPtrErr) Error() string { return e.msg }

func TestClassifyPriority(t *testing.T) {
	cases := []struct {
		msg  string
		want Category
	}{
		{"HTTP 401: fetch failed", Authentication},
		{"Unauthorized", Authentication},
		{"invalid-token supplied", Authentication},
		{"Failed to fetch", Connectivity},
		{"network error while streaming", Connectivity},
		{"stream closed unexpectedly", StreamProcessing},
		{"error processing request", StreamProcessing},
		{"something odd", Unexpected},
		{"", Unexpected},
	}
	for _, tc := range cases {
		t.Run(tc.msg, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(errors.New(tc.msg)).Category)
			assert.Equal(t, tc.want, match(tc.msg, Unexpected))
		})
	}
}

func TestClassifySubmissionFallback(t *testing.T) {
	assert.Equal(t, Submission, ClassifySubmission(errors.New("read attachment: permission denied")).Category)
	assert.Equal(t, Connectivity, ClassifySubmission(errors.New("upload: network down")).Category)
}

func TestClassifyStructuredCodesWin(t *testing.T) {
	// The message alone would match authentication.
	err := fmt.Errorf("wrapped: %w", &codedErr{code: CodeStream, msg: "401 while reading"})
	assert.Equal(t, StreamProcessing, Classify(err).Category)
	assert.Equal(t, Authentication, Classify(&codedErr{code: "UNAUTHORIZED", msg: "x"}).Category)
	assert.Equal(t, Connectivity, Classify(&codedErr{code: CodeNetwork, msg: "x"}).Category)

	// Unknown codes fall back to the message rules.
	assert.Equal(t, Authentication, Classify(&codedErr{code: "http", msg: "status 401"}).Category)
}

func TestClassifyNetError(t *testing.T) {
	err := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	assert.Equal(t, Connectivity, Classify(err).Category)
	assert.Equal(t, Connectivity, Classify(context.DeadlineExceeded).Category)
}

func TestClassifyNeverPanics(t *testing.T) {
	res := Classify(nil)
	assert.Equal(t, Unexpected, res.Category)
	assert.Empty(t, res.Detail)

	var typedNil *nilPtrErr
	assert.NotPanics(t, func() {
		res = Classify(typedNil)
	})
	assert.Equal(t, Unexpected, res.Category)
}

func TestRender(t *testing.T) {
	r := NewRenderer(i18n.New("en"), "http://localhost:8090/api/chat", false)

	conn := r.Render(Result{Category: Connectivity, Detail: "dial tcp: refused"})
	assert.Contains(t, conn, "http://localhost:8090/api/chat")
	assert.NotContains(t, conn, "dial tcp")

	stream := r.Render(Result{Category: StreamProcessing, Detail: "stream ended early"})
	assert.Contains(t, stream, "stream ended early")

	auth := r.Render(Result{Category: Authentication, Detail: "401"})
	assert.Contains(t, auth, "sign in again")

	debug := NewRenderer(nil, "", true).Render(Result{Category: Authentication, Detail: "401 Unauthorized"})
	assert.Contains(t, debug, "401 Unauthorized")
	assert.Contains(t, debug, "(unset)")
}
