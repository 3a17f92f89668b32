// Package observability provides the service's OpenTelemetry metrics.
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
	attrMode    = "mode"
	attrOutcome = "outcome"
	attrKind    = "kind"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// /api/v0/jobs/abc123 -> /api/v0/jobs/{jobId}
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func modeAttr(mode string) attribute.KeyValue {
	return attribute.String(attrMode, mode)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

// dynamicPrefixes map a route prefix to the placeholder that replaces the
// segment following it.
var dynamicPrefixes = []struct {
	prefix      string
	placeholder string
}{
	{"/api/v0/jobs/", "{jobId}"},
	{"/api/v0/observers/", "{observerId}"},
	{"/api/v0/paths/", "{path}"},
	{"/rendezvous/", "{topic}"},
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	for _, d := range dynamicPrefixes {
		if len(path) > len(d.prefix) && strings.HasPrefix(path, d.prefix) {
			return d.prefix + d.placeholder
		}
	}
	return path
}
