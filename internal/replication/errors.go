package replication

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingLedger     = errors.New("ledger is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingActor      = errors.New("actor is required")
	noOpLogger           = zap.NewNop()
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
	opServiceNew = "replication.service.new"
	opPush       = "replication.push"
	opPull       = "replication.pull"
	opReplay     = "replication.replay"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
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
	s.loggerOrDefault().Error("replication service error", attrs...)
}
