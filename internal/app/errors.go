package app

import (
	"fmt"
	"net/http"
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

func notFoundError(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func alreadyProcessedError(message string) *DomainError {
	return domainError(http.StatusConflict, "ALREADY_PROCESSED", message, nil)
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func unsupportedTypeError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "UNSUPPORTED_TYPE", message, nil)
}

func externalServiceError(message string) *DomainError {
	return domainError(http.StatusBadGateway, "EXTERNAL_SERVICE_ERROR", message, nil)
}

func persistenceError(message string) *DomainError {
	return domainError(http.StatusInternalServerError, "PERSISTENCE_ERROR", message, nil)
}

func unauthorizedError(message string) *DomainError {
	return domainError(http.StatusUnauthorized, "UNAUTHORIZED", message, nil)
}
