package task

import "errors"

var (
	ErrNotFound  = errors.New("task not found")
	ErrDuplicate = errors.New("task already exists")
)
