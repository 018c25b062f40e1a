package main

import (
	"errors"

	"github.com/dopamine-pm/dop/internal/doperrors"
)

// Exit codes per spec §6: 0 success, 1 user error, >=2 internal error.
const (
	ExitSuccess   = 0
	ExitUserError = 1
	ExitInternal  = 2
	ExitCancelled = 130
)

// exitCodeFor maps a top-level command error to the exit code spec §6
// requires. Resolver/lock/auth-shaped errors are user errors (the caller
// can fix them by changing inputs or credentials); everything else is
// treated as internal.
func exitCodeFor(err error) int {
	var dopErr *doperrors.Error
	if errors.As(err, &dopErr) {
		switch dopErr.Kind {
		case doperrors.KindUnsatisfiableConstraint, doperrors.KindLockStale,
			doperrors.KindCyclicGraph, doperrors.KindAuthError,
			doperrors.KindResourceNotFound, doperrors.KindRecipeError:
			return ExitUserError
		}
	}
	var unsat *doperrors.UnsatisfiableConstraint
	if errors.As(err, &unsat) {
		return ExitUserError
	}
	var cyclic *doperrors.CyclicGraph
	if errors.As(err, &cyclic) {
		return ExitUserError
	}
	return ExitInternal
}
