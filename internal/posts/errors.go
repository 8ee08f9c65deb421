package posts

import (
	"errors"
	"fmt"
)

var (
	// ErrPostNotFound indicates that no post matches the supplied identifier.
	ErrPostNotFound = errors.New("posts: post not found")
	// ErrRevisionNotFound indicates that no revision matches the supplied identifier.
	ErrRevisionNotFound = errors.New("posts: revision not found")
	// ErrRevisionOwnershipMismatch indicates that a revision belongs to a different post.
	ErrRevisionOwnershipMismatch = errors.New("posts: revision does not belong to this post")
	// ErrHeadRevisionMissing indicates that a post head pointer does not resolve to a revision.
	ErrHeadRevisionMissing = errors.New("posts: head revision not found")
	// ErrNoDraftFound indicates that an operation requiring an editable draft found none.
	ErrNoDraftFound = errors.New("posts: no draft found")
	// ErrCannotDeleteHeadRevision indicates an attempt to delete the published head revision.
	ErrCannotDeleteHeadRevision = errors.New("posts: cannot delete the current published revision")
	// ErrRevisionHasDescendants indicates an attempt to delete a revision other revisions branch from.
	ErrRevisionHasDescendants = errors.New("posts: revision has descendant revisions")
	// ErrCreationFailed indicates that an atomic multi-row creation did not complete as a unit.
	ErrCreationFailed = errors.New("posts: creation failed")
	// ErrConflict indicates that a concurrent writer changed the row between read and write.
	ErrConflict = errors.New("posts: concurrent modification")
	// ErrBrokenLineage indicates that a parent chain is dangling, crosses posts, or does not terminate.
	ErrBrokenLineage = errors.New("posts: broken revision lineage")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errUnexpectedRows    = errors.New("unexpected affected row count")
)

// ServiceError carries a stable machine-readable code alongside the wrapped cause.
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

// Code returns the error code in the form posts.<operation>.<reason>.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IsNotFound reports whether err refers to a missing or foreign target, a caller-side fault.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPostNotFound) ||
		errors.Is(err, ErrRevisionNotFound) ||
		errors.Is(err, ErrRevisionOwnershipMismatch) ||
		errors.Is(err, ErrNoDraftFound)
}

// IsConsistencyFault reports whether err signals an internal data-consistency failure.
func IsConsistencyFault(err error) bool {
	return errors.Is(err, ErrCreationFailed) ||
		errors.Is(err, ErrHeadRevisionMissing) ||
		errors.Is(err, ErrBrokenLineage)
}
