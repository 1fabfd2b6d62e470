// Package perm decides whether a user may view or edit an annotation.
// It is a pure predicate over the rows it is handed; callers must
// re-evaluate it inside the commit transaction because lock and finish
// state can change between read and write.
package perm

import "github.com/tpwrules/labelous/internal/store"

type Mode int

const (
	ModeView Mode = iota
	ModeEdit
)

func Can(user store.User, anno store.Annotation, mode Mode) bool {
	owner := anno.AnnotatorID == user.ID
	switch mode {
	case ModeView:
		return owner || user.Reviewer
	case ModeEdit:
		if anno.Finished {
			return false
		}
		if user.Reviewer {
			// Reviewers may always edit their own work, but other
			// people's only once it is locked for review.
			return owner || anno.Locked
		}
		return owner && !anno.Locked
	default:
		return false
	}
}
