package model

import "github.com/ashita-ai/hanrei/internal/fault"

// Validation errors share the invalid_input kind so handlers can map them to
// 400 responses without inspecting messages.
var (
	errEmptyText               = fault.New(fault.KindInvalidInput, "document text is empty")
	errReferenceWithoutLabel   = fault.New(fault.KindInvalidInput, "reference document requires a severity label")
	errClassificationWithLabel = fault.New(fault.KindInvalidInput, "classification document must not carry a severity label")
	errUnknownSeverity         = fault.New(fault.KindInvalidInput, "unknown severity label")
	errUnknownRole             = fault.New(fault.KindInvalidInput, "unknown document role")
)
