package storage

import "errors"

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrNameTaken is returned when creating an account whose user name is
// already in use.
var ErrNameTaken = errors.New("user name already taken")
