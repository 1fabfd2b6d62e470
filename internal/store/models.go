package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a row does not exist or is filtered out
// (soft-deleted, not yet uploaded). Callers surface it uniformly as
// "does not exist" regardless of the underlying reason.
var ErrNotFound = errors.New("not found")

// ErrDuplicateImage is returned when an inserted image's content hash
// already exists.
var ErrDuplicateImage = errors.New("duplicate image")

type User struct {
	ID           int64
	Email        string
	DisplayName  string
	PasswordHash string
	Reviewer     bool
	CreatedAt    time.Time
}

type Image struct {
	ID          int64
	FilePath    string
	Available   bool
	Deleted     bool
	Uploaded    bool
	ContentHash string
	Width       int
	Height      int
	UploaderID  int64
	UploadTime  time.Time
	// AnnoCount tracks non-deleted annotations referencing this image.
	// Advisory: claim ordering uses it to spread work, nothing else
	// trusts it.
	AnnoCount int
}

type Annotation struct {
	ID           int64
	AnnotatorID  int64
	ImageID      int64
	Locked       bool
	Finished     bool
	Deleted      bool
	CreationTime time.Time
	LastEditTime time.Time
	// EditKey is the hex edit token held by the most recent edit-mode
	// reader. EditVersion counts accepted submissions under that key.
	EditKey     string
	EditVersion int64
	Score       float64
}

type Polygon struct {
	ID           int64
	AnnotationID int64
	Label        string
	Notes        string
	// Points is a flat sequence of x,y pairs; always even length.
	Points   []float64
	Occluded bool
	Locked   bool
	Deleted  bool
	// AnnoIndex is the positional index the polygon had in the document
	// of the edit session that created it. Cleared whenever the edit key
	// rotates, so indices never leak across sessions.
	AnnoIndex    *int
	CreationTime time.Time
	LastEditTime time.Time
}

// AnnotationListItem is one row of a user's annotation listing.
type AnnotationListItem struct {
	ID           int64
	ImageID      int64
	Locked       bool
	Finished     bool
	Score        float64
	LastEditTime time.Time
}
