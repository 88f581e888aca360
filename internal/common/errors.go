// Package common defines the sentinel errors shared by the ledger, the
// document store backends, the ingestion pipeline and the HTTP layer.
// Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Document store errors.
	ErrorNotFound         = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrTransport          = errors.New("transport error")
	ErrorDocumentType     = errors.New("invalid document type")

	// Ledger errors.
	ErrAlreadyExists   = errors.New("already exists")
	ErrAlreadyRecorded = errors.New("already recorded")

	// Ingestion errors.
	ErrorValidation         = errors.New("validation error")
	ErrConfigurationMissing = errors.New("configuration missing")
)
