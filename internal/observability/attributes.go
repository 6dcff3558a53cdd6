// Package observability provides metrics, tracing, and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrPackage = "package"
	attrBackend = "backend"
	attrState   = "state"
	attrQueue   = "queue"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func packageAttr(packageID string) attribute.KeyValue {
	return attribute.String(attrPackage, packageID)
}

func backendAttr(backend string) attribute.KeyValue {
	return attribute.String(attrBackend, backend)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func queueAttr(queue string) attribute.KeyValue {
	return attribute.String(attrQueue, queue)
}

// pathTemplates lists routes with dynamic segments. A "{...}" segment
// matches any non-empty segment.
var pathTemplates = [][]string{
	{"v1", "tasks", "{taskId}"},
	{"v1", "projects", "{projectId}", "tasks"},
	{"v1", "projects", "{projectId}", "commands", "execute"},
	{"internal", "queues", "{queue}", "messages"},
	{"internal", "queues", "{queue}", "messages", "next"},
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for _, tmpl := range pathTemplates {
		if matchTemplate(segments, tmpl) {
			return "/" + strings.Join(tmpl, "/")
		}
	}
	return path
}

func matchTemplate(segments, tmpl []string) bool {
	if len(segments) != len(tmpl) {
		return false
	}
	for i, s := range tmpl {
		if strings.HasPrefix(s, "{") {
			if segments[i] == "" {
				return false
			}
			continue
		}
		if segments[i] != s {
			return false
		}
	}
	return true
}

// WithMethod returns a metric option with the method attribute.
func WithMethod(method string) metric.MeasurementOption {
	return metric.WithAttributes(methodAttr(method))
}

// WithPath returns a metric option with the path attribute.
func WithPath(path string) metric.MeasurementOption {
	return metric.WithAttributes(pathAttr(path))
}

// WithStatus returns a metric option with the status attribute.
func WithStatus(code int) metric.MeasurementOption {
	return metric.WithAttributes(statusAttr(code))
}

// WithPackage returns a metric option with the package attribute.
func WithPackage(packageID string) metric.MeasurementOption {
	return metric.WithAttributes(packageAttr(packageID))
}
