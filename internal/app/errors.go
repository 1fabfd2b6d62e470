package app

import "fmt"

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

// errNotFound covers missing rows, soft-deleted rows, and rows owned by
// someone else. They answer identically so nothing about other users'
// data leaks.
func errNotFound() *DomainError {
	return domainError(404, "NOT_FOUND", "Does not exist.", nil)
}

func errForbidden() *DomainError {
	return domainError(403, "FORBIDDEN", "Forbidden", nil)
}

func errBadDocument(message string) *DomainError {
	return domainError(400, "BAD_DOCUMENT", message, nil)
}

func errConflict(message string) *DomainError {
	return domainError(409, "CONFLICT", message, nil)
}
