package main

import (
	"errors"
	"fmt"

	"taskledger/internal/codec"
	"taskledger/internal/guard"
	"taskledger/internal/migration"
	"taskledger/internal/schema"
)

// Exit codes.
const (
	exitOK       = 0
	exitInvalid  = 1
	exitNoop     = 2
	exitConflict = 3
	exitNotFound = 4
	exitIO       = 5
)

// errNoop signals a migration that had already happened.
var errNoop = errors.New("nothing to do")

// usageError is a bad flag, argument or config file.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// violationsError reports that validate or check found problems. The details
// were already printed.
type violationsError struct {
	count int
}

func (e *violationsError) Error() string {
	return fmt.Sprintf("%d violation(s) found", e.count)
}

// exitCode maps an error onto the documented exit codes.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(err, errNoop) {
		return exitNoop
	}

	var (
		usage    *usageError
		viols    *violationsError
		parse    *codec.ParseError
		invalid  *schema.ValidationError
		immut    *guard.ImmutabilityViolation
		consist  *guard.ConsistencyError
		conflict *migration.ConflictError
		notFound *migration.NotFoundError
	)
	switch {
	case errors.As(err, &conflict):
		return exitConflict
	case errors.As(err, &notFound):
		return exitNotFound
	case errors.As(err, &usage), errors.As(err, &viols), errors.As(err, &parse),
		errors.As(err, &invalid), errors.As(err, &immut), errors.As(err, &consist):
		return exitInvalid
	default:
		return exitIO
	}
}

type coded interface {
	Code() string
}

// formatError prefixes typed errors with their stable code.
func formatError(err error) string {
	var c coded
	if errors.As(err, &c) {
		return fmt.Sprintf("error [%s]: %v", c.Code(), err)
	}
	return "error: " + err.Error()
}
