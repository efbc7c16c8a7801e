package models

import "errors"

var (
	ErrInvalidPosition = errors.New("invalid position")
	ErrForbidden       = errors.New("operator is not the driver of record")
	ErrNotFound        = errors.New("vehicle not found")
)
