// Copyright 2025 James Ross

// Package handlers is the command service: it loads an aggregate,
// invokes exactly one domain command against it, and persists the
// result, translating domain and storage failures into the taxonomy
// the HTTP adapter maps to status codes (§7).
package handlers

import (
	"errors"
	"fmt"

	"github.com/codeready-toolchain/waitingroom/internal/domain"
	"github.com/codeready-toolchain/waitingroom/internal/eventstore"
)

// Kind is this package's own error taxonomy, one level above
// domain.ErrorKind: it adds the two failures that only make sense at
// the handler/storage boundary (not found, concurrency conflict).
type Kind string

const (
	KindNotFound   Kind = "NotFound"
	KindConflict   Kind = "ConcurrencyConflict"
	KindDomain     Kind = "DomainViolation"
	KindUnexpected Kind = "Unexpected"
)

// Error wraps every failure a command handler can return. Kind decides
// the HTTP status; DomainKind is populated only when Kind is KindDomain,
// carrying the aggregate's own ErrorKind through to the error envelope.
type Error struct {
	Kind       Kind
	DomainKind domain.ErrorKind
	Message    string
	cause      error
}

func (e *Error) Error() string {
	if e.DomainKind != "" {
		return fmt.Sprintf("%s: %s", e.DomainKind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func notFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func unexpected(cause error) error {
	return &Error{Kind: KindUnexpected, Message: cause.Error(), cause: cause}
}

// translate maps a domain command's returned error into the handler's
// taxonomy: a *domain.Error becomes KindDomain (carrying its Kind
// through); ErrConcurrencyConflict becomes KindConflict; anything else
// is an unexpected failure.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var domainErr *domain.Error
	if errors.As(err, &domainErr) {
		return &Error{Kind: KindDomain, DomainKind: domainErr.Kind, Message: domainErr.Message, cause: err}
	}
	if errors.Is(err, eventstore.ErrConcurrencyConflict) {
		return &Error{Kind: KindConflict, Message: err.Error(), cause: err}
	}
	return unexpected(err)
}

// HTTPStatus maps err (expected to be, or wrap, a *Error) to the status
// code spec §6/§7 assigns it. QueueAtCapacity is the one domain
// violation called out as a 422 business-rule rejection in §6; every
// other domain.ErrorKind is a 400.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return 500
	}
	switch e.Kind {
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindDomain:
		if e.DomainKind == domain.ErrQueueAtCapacity {
			return 422
		}
		return 400
	default:
		return 500
	}
}
