package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"proofmark/api/internal/annotation"
	"proofmark/api/internal/auth"
	"proofmark/api/internal/export"
	"proofmark/api/internal/filestore"
	"proofmark/api/internal/versioning"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var (
	errForbidden   = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	errProofLocked = domainError(http.StatusConflict, "PROOF_LOCKED", "Proof is approved and locked", nil)
)

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, annotation.ErrInvalid):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, versioning.ErrFileRefRequired):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "fileUrl is required", nil
	case errors.Is(err, filestore.ErrEmpty):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file is empty", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be 'html' or 'pdf'", nil
	case errors.Is(err, versioning.ErrVersionConflict):
		return http.StatusConflict, "VERSION_CONFLICT", "Another revision was created concurrently", nil
	case errors.Is(err, versioning.ErrNoVersion), errors.Is(err, export.ErrContentUnavailable):
		return http.StatusNotFound, "NOT_FOUND", "Proof has no revision", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusNotImplemented, "PDF_UNAVAILABLE", "PDF export is not available on this server", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
