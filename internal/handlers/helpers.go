// Package handlers implements the HTTP handlers of the GridStore gateway.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/bleepstore/gridstore/internal/docstore"
	gerrors "github.com/bleepstore/gridstore/internal/errors"
)

// MetaHeaderPrefix is the canonical prefix of user metadata headers.
const MetaHeaderPrefix = "X-Gridstore-Meta-"

// Response headers describing a stored file.
const (
	HeaderFileID     = "X-Gridstore-File-Id"
	HeaderUploadDate = "X-Gridstore-Upload-Date"
	HeaderChunkSize  = "X-Gridstore-Chunk-Size"
	HeaderRequestID  = "X-Request-Id"
)

// bucketNameRegex limits bucket names to characters that are safe inside
// collection names and URL paths.
var bucketNameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,62}$`)

// metaKeyRegex matches metadata keys that can round-trip through a header.
var metaKeyRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// validateBucketName returns a message describing why name is unusable, or
// the empty string.
func validateBucketName(name string) string {
	if !bucketNameRegex.MatchString(name) {
		return "bucket name must be 1-63 letters, digits, '.', '_' or '-' and start with a letter or digit"
	}
	if strings.Contains(name, "..") {
		return "bucket name must not contain consecutive periods"
	}
	return ""
}

type requestIDKey struct{}

// WithRequestID returns ctx carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id stored in ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ErrorBody is the JSON error document every gateway failure is reported
// with. It satisfies huma.StatusError so operations can return it directly.
type ErrorBody struct {
	Status    int    `json:"status" doc:"HTTP status code"`
	Code      string `json:"code" doc:"Stable error code" example:"FileNotFound"`
	Message   string `json:"message" doc:"Human-readable description"`
	RequestID string `json:"requestId,omitempty" doc:"Request id echoed from X-Request-Id"`
}

func (e *ErrorBody) Error() string  { return e.Code + ": " + e.Message }
func (e *ErrorBody) GetStatus() int { return e.Status }

// errorBody maps err onto the response document. Errors outside the
// taxonomy are reported as InternalError without their text.
func errorBody(ctx context.Context, err error) *ErrorBody {
	body := &ErrorBody{
		Status:    http.StatusInternalServerError,
		Code:      "InternalError",
		Message:   "internal error",
		RequestID: RequestID(ctx),
	}
	if ge, ok := gerrors.As(err); ok {
		body.Status = ge.HTTPStatus
		body.Code = ge.Code
		body.Message = ge.Message
	}
	if body.Status >= 500 {
		slog.ErrorContext(ctx, "Request failed", "error", err, "request_id", body.RequestID)
	}
	return body
}

// WriteError writes err as a JSON error document.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody(r.Context(), err)
	writeJSON(w, body.Status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Writing JSON response failed", "error", err)
	}
}

// metadataFromHeader collects X-Gridstore-Meta-* request headers into a
// metadata document with lower-case keys. It returns nil when there are
// none.
func metadataFromHeader(h http.Header) docstore.Document {
	var doc docstore.Document
	for key, values := range h {
		if !strings.HasPrefix(key, MetaHeaderPrefix) || len(values) == 0 {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(key, MetaHeaderPrefix))
		if name == "" {
			continue
		}
		if doc == nil {
			doc = docstore.Document{}
		}
		doc[name] = values[0]
	}
	return doc
}

// setMetadataHeaders writes the string-valued entries of doc as
// X-Gridstore-Meta-* response headers. Other values are only available from
// the file record.
func setMetadataHeaders(h http.Header, doc docstore.Document) {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s, ok := doc[k].(string)
		if !ok || !metaKeyRegex.MatchString(k) {
			continue
		}
		h.Set(MetaHeaderPrefix+k, s)
	}
}
