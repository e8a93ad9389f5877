package ess

import (
	stderrors "errors"

	apperrors "github.com/goliatone/go-errors"
	sqlite3 "github.com/mattn/go-sqlite3"
)

const (
	// CodeTainted marks a store whose last migration failed. It stays
	// unusable until an operator clears the taint.
	CodeTainted = "ESS_TAINTED"
	// CodeMigrationLocked marks a store another process is migrating.
	CodeMigrationLocked = "ESS_MIGRATION_LOCKED"
	// CodeDuplicateEvent marks a second write of the same (coord, version).
	CodeDuplicateEvent = "ESS_DUPLICATE_EVENT"
	// CodeBusy marks a store that cannot be removed while in use.
	CodeBusy = "ESS_BUSY"
)

func taintedError(path string) error {
	return apperrors.New("embedded state store is tainted", apperrors.CategoryConflict).
		WithTextCode(CodeTainted).
		WithMetadata(map[string]any{"path": path})
}

func lockedError(path string, lockedAt int64) error {
	return apperrors.New("embedded state store migration in progress", apperrors.CategoryConflict).
		WithTextCode(CodeMigrationLocked).
		WithMetadata(map[string]any{"path": path, "locked_at": lockedAt})
}

func storageError(err error, msg string, meta map[string]any) error {
	if err == nil {
		return nil
	}
	var serr sqlite3.Error
	if stderrors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		return apperrors.Wrap(err, apperrors.CategoryConflict, msg).
			WithTextCode(CodeDuplicateEvent).
			WithMetadata(meta)
	}
	wrapped := apperrors.Wrap(err, apperrors.CategoryExternal, msg)
	if meta != nil {
		wrapped = wrapped.WithMetadata(meta)
	}
	return wrapped
}

// HasCode reports whether err carries the given text code.
func HasCode(err error, code string) bool {
	var ge *apperrors.Error
	return stderrors.As(err, &ge) && ge.TextCode == code
}
