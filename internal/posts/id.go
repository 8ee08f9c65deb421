package posts

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidPostID indicates that a post identifier is empty or exceeds storage bounds.
	ErrInvalidPostID = errors.New("posts: invalid post id")
	// ErrInvalidRevisionID indicates that a revision identifier is empty or exceeds storage bounds.
	ErrInvalidRevisionID = errors.New("posts: invalid revision id")
	// ErrInvalidPrincipal indicates that an author or creator identifier is empty or exceeds storage bounds.
	ErrInvalidPrincipal = errors.New("posts: invalid principal id")
)

// PostID represents a validated post identifier.
type PostID string

// NewPostID validates raw input and returns a PostID.
func NewPostID(rawInput string) (PostID, error) {
	value, err := normalizeIdentifier(rawInput, ErrInvalidPostID)
	if err != nil {
		return "", err
	}
	return PostID(value), nil
}

// String returns the underlying string identifier.
func (id PostID) String() string {
	return string(id)
}

// RevisionID represents a validated revision identifier.
type RevisionID string

// NewRevisionID validates raw input and returns a RevisionID.
func NewRevisionID(rawInput string) (RevisionID, error) {
	value, err := normalizeIdentifier(rawInput, ErrInvalidRevisionID)
	if err != nil {
		return "", err
	}
	return RevisionID(value), nil
}

// String returns the underlying string identifier.
func (id RevisionID) String() string {
	return string(id)
}

// PrincipalID identifies the caller that authors posts and revisions.
// The engine trusts it verbatim; authorization happens upstream.
type PrincipalID string

// NewPrincipalID validates raw input and returns a PrincipalID.
func NewPrincipalID(rawInput string) (PrincipalID, error) {
	value, err := normalizeIdentifier(rawInput, ErrInvalidPrincipal)
	if err != nil {
		return "", err
	}
	return PrincipalID(value), nil
}

// String returns the underlying string identifier.
func (id PrincipalID) String() string {
	return string(id)
}

func normalizeIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// IDProvider issues identifiers for new posts and revisions.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues time-ordered UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return uuidProvider{}
}

func (uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
