package diagnostics

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingLedger   = errors.New("ledger is required")
	errMissingClientID = errors.New("client id is required")

	// ErrRateLimited indicates a client report that arrived before its interval elapsed.
	ErrRateLimited = errors.New("diagnostics: report rate limited")
	// ErrClientMismatch indicates a report for a client id owned by another user.
	ErrClientMismatch = errors.New("diagnostics: client id belongs to another reporter")

	noOpLogger = zap.NewNop()
)

// ServiceError carries a stable `<operation>.<reason>` code for transport layers.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "diagnostics.service.new"
	opSnapshot    = "diagnostics.snapshot"
	opReport      = "diagnostics.report"
	opConsistency = "diagnostics.consistency"
	opPipeline    = "diagnostics.pipeline"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("diagnostics service error", attrs...)
}
