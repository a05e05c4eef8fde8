// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// Pipeline attributes
	ItemIDKey     = "pipeline.item_id"
	RequestIDKey  = "pipeline.request_id"
	StatusKey     = "pipeline.status"
	StepKey       = "pipeline.step"
	WorkerKey     = "pipeline.worker"
	MediaKindKey  = "pipeline.media_kind"
	AttemptsKey   = "pipeline.attempts"
	ErrorKindKey  = "pipeline.error_kind"
	ServiceTagKey = "pipeline.service"

	// Delivery attributes
	ServerIDKey       = "delivery.server_id"
	DeliveredBytesKey = "delivery.bytes"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// ItemAttributes creates common item span attributes.
func ItemAttributes(itemID, requestID, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ItemIDKey, itemID),
		attribute.String(RequestIDKey, requestID),
		attribute.String(StatusKey, status),
	}
}

// WorkerAttributes creates worker span attributes.
func WorkerAttributes(worker, itemID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(WorkerKey, worker),
		attribute.String(ItemIDKey, itemID),
	}
}

// ErrorAttributes creates error span attributes.
func ErrorAttributes(kind, service string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorKindKey, kind),
		attribute.String(ServiceTagKey, service),
	}
}
