package httplog

import (
	"bytes"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"audittrail/internal/audit/canonical"
)

// recorder captures the status code and the first limit bytes of the response
// body while passing everything through.
type recorder struct {
	http.ResponseWriter
	status    int
	body      bytes.Buffer
	limit     int64
	truncated bool
}

func newRecorder(w http.ResponseWriter, limit int64) *recorder {
	return &recorder{ResponseWriter: w, limit: limit}
}

func (r *recorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	if !r.truncated {
		if room := r.limit - int64(r.body.Len()); int64(len(p)) <= room {
			r.body.Write(p)
		} else {
			r.truncated = true
			r.body.Reset()
		}
	}
	return r.ResponseWriter.Write(p)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *recorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *recorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// ParseBody turns a JSON object or form body into a map. Anything else,
// including JSON arrays and scalars, yields nil.
func ParseBody(contentType string, body []byte) map[string]any {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case mediaType == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil
		}
		return FlattenValues(values)
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json") || mediaType == "":
		m, err := canonical.Decode(body)
		if err != nil {
			return nil
		}
		return m
	}
	return nil
}

// FlattenHeaders lowercases header names and unwraps single values.
func FlattenHeaders(h http.Header) map[string]any {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]any, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = flatten(v)
	}
	return out
}

// FlattenValues unwraps single-valued query or form parameters.
func FlattenValues(v url.Values) map[string]any {
	if len(v) == 0 {
		return nil
	}
	out := make(map[string]any, len(v))
	for k, vals := range v {
		out[k] = flatten(vals)
	}
	return out
}

func flatten(vals []string) any {
	if len(vals) == 1 {
		return vals[0]
	}
	list := make([]any, len(vals))
	for i, s := range vals {
		list[i] = s
	}
	return list
}
