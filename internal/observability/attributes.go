// Package observability provides metrics and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrJobType = "job_type"
	attrFrom    = "from"
	attrTo      = "to"
	attrKind    = "kind"
	attrOutcome = "outcome"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func jobTypeAttr(jobType string) attribute.KeyValue {
	return attribute.String(attrJobType, jobType)
}

func fromAttr(from string) attribute.KeyValue {
	return attribute.String(attrFrom, from)
}

func toAttr(to string) attribute.KeyValue {
	return attribute.String(attrTo, to)
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

// normalizePath replaces dynamic path segments with placeholders to keep
// metric cardinality bounded.
func normalizePath(path string) string {
	switch path {
	case "/v1/workers/register", "/v1/checkpoints/cleanup":
		return path
	}
	for _, p := range []struct{ prefix, normalized string }{
		{"/v1/jobs/", "/v1/jobs/{jobId}"},
		{"/v1/workers/", "/v1/workers/{workerId}"},
		{"/v1/checkpoints/", "/v1/checkpoints/{jobId}"},
	} {
		if strings.HasPrefix(path, p.prefix) && len(path) > len(p.prefix) {
			rest := path[len(p.prefix):]
			if i := strings.IndexByte(rest, '/'); i >= 0 {
				return p.normalized + rest[i:]
			}
			return p.normalized
		}
	}
	return path
}
