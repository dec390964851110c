package service

import (
	"errors"
	"strings"
)

var (
	ErrNotFound      = errors.New("task not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrMediaRejected = errors.New("attachment rejected")
	ErrMediaUpload   = errors.New("attachment upload failed")
	ErrStoreNil      = errors.New("task store is nil")
	ErrDispatcherNil = errors.New("dispatcher is nil")
	ErrMediaDisabled = errors.New("attachments are not enabled")
	ErrOwnerMissing  = errors.New("owner id is required")
)

// MissingFieldsError lists required creation fields that were absent
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return "missing required fields: " + strings.Join(e.Fields, ", ")
}

func (e *MissingFieldsError) Unwrap() error {
	return ErrInvalidInput
}
