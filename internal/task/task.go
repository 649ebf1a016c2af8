package task

import (
	"bytes"
	"encoding/json"
	"mime"
	"strings"
)

// Task is a pending URL the queue service wants fetched with the user's session.
// The URL is the only identity a task has.
type Task struct {
	URL string `json:"url"`
}

// FetchResult is what a session-authenticated retrieval produced. Body is opaque
// and passed through untouched. Failure is set when the transport gave up; the
// fetch still counts as complete.
type FetchResult struct {
	URL         string       `json:"url"`
	Body        []byte       `json:"-"`
	Status      int          `json:"status"`
	ContentType string       `json:"content_type,omitempty"`
	Failure     *SoftFailure `json:"-"`
}

// OK reports whether the fetch completed without a transport failure.
func (r FetchResult) OK() bool {
	return r.Failure == nil
}

// Submission pairs a task URL with its serialized fetch result, as posted to
// /tasks/submit/.
type Submission struct {
	RequestURL string `json:"request_url"`
	Response   string `json:"response"` // JSON-encoded fetch result
}

// NewSubmission builds the submission for t from its completed fetch. The
// request URL is always the task's own, whatever URL the fetch ended on.
func NewSubmission(t Task, r FetchResult) Submission {
	return Submission{
		RequestURL: t.URL,
		Response:   EncodeBody(r.Body, r.ContentType),
	}
}

// EncodeBody serializes a fetched body the way the browser agent always did:
// JSON bodies are re-emitted compact, anything else becomes a JSON string.
// A body is only treated as JSON when contentType is empty or a JSON media type.
func EncodeBody(body []byte, contentType string) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && isJSONType(contentType) && json.Valid(trimmed) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err == nil {
			return buf.String()
		}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(string(body))
	return string(bytes.TrimRight(buf.Bytes(), "\n"))
}

func isJSONType(contentType string) bool {
	if strings.TrimSpace(contentType) == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
