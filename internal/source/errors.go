package source

import (
	"errors"
	"fmt"
)

var (
	// ErrFetch marks refresh failures: network, auth, missing local path, timeout.
	ErrFetch = errors.New("fetch failed")
	// ErrBranchNotFound means the tracked branch does not exist in the repository.
	ErrBranchNotFound = errors.New("branch not found")
)

// FetchError describes a failed refresh of one repository.
type FetchError struct {
	Repo string
	Op   string // "open", "clone", "fetch"
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrFetch, e.Op, e.Repo, e.Err)
}

func (e *FetchError) Unwrap() []error { return []error{ErrFetch, e.Err} }
