// Package apierror defines the error taxonomy shared by the service layers.
// Every failure that can cross an API boundary is classified by Kind, and the
// HTTP layer maps kinds to status codes in exactly one place.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindConfig       Kind = "config_error"
	KindValidation   Kind = "validation_error"
	KindItemNotFound Kind = "item_not_found"
	KindDimension    Kind = "dimension_mismatch"
	KindUpstream     Kind = "upstream_unavailable"
	KindLLMResponse  Kind = "llm_bad_response"
	KindStore        Kind = "store_error"
	KindCache        Kind = "cache_error"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func Config(format string, args ...any) *Error {
	return New(KindConfig, format, args...)
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

// ItemNotFound reports a missing external item id. The message wording is
// part of the API contract.
func ItemNotFound(id, collection string) *Error {
	return New(KindItemNotFound, "Item with id %s not found in collection %s", id, collection)
}

func DimensionMismatch(got, want int) *Error {
	return New(KindDimension, "vector dimension %d does not match collection dimension %d", got, want)
}

func Upstream(err error, service string) *Error {
	return &Error{Kind: KindUpstream, Message: fmt.Sprintf("%s unavailable", service), Err: err}
}

func LLMBadResponse(format string, args ...any) *Error {
	return New(KindLLMResponse, format, args...)
}

func Store(err error, format string, args ...any) *Error {
	return &Error{Kind: KindStore, Message: fmt.Sprintf(format, args...), Err: err}
}

func CacheFailure(err error, format string, args ...any) *Error {
	return &Error{Kind: KindCache, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf classifies any error; unclassified errors count as store errors so
// they surface as 500s rather than leaking as 200s.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStore
}

func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindConfig, KindValidation, KindItemNotFound, KindDimension:
		return http.StatusUnprocessableEntity
	case KindUpstream, KindLLMResponse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
