package reconciler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/example/ride-booking/internal/models"
)

// DefaultFailureMessage is shown when a failure carries no readable text.
const DefaultFailureMessage = "Не удалось оформить бронирование. Попробуйте позже."

// Markers for a uniqueness violation on (passenger, trip). Field errors are
// matched against uniqueMarkers, detail/message of a 400 against
// existsMarkers. Matching is case-insensitive.
var (
	uniqueMarkers = []string{"unique"}
	existsMarkers = []string{"already exists", "уже существует"}
)

// DuplicateBookingConflict means the backend already holds an active booking
// for this passenger and trip. It is recoverable: offer to amend instead.
type DuplicateBookingConflict struct {
	Message string
	Err     error
}

func (e *DuplicateBookingConflict) Error() string {
	if e.Message == "" {
		return "booking already exists for this trip"
	}
	return e.Message
}

func (e *DuplicateBookingConflict) Unwrap() error { return e.Err }

// GenericBookingFailure ends the current attempt. Message is safe to show
// verbatim.
type GenericBookingFailure struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *GenericBookingFailure) Error() string { return e.Message }

func (e *GenericBookingFailure) Unwrap() error { return e.Err }

// ClassifyBookingError maps a failed booking call onto the user-facing
// taxonomy. The result is either *DuplicateBookingConflict or
// *GenericBookingFailure; nil in gives nil out.
func ClassifyBookingError(err error) error {
	if err == nil {
		return nil
	}
	var dup *DuplicateBookingConflict
	var gen *GenericBookingFailure
	if errors.As(err, &dup) || errors.As(err, &gen) {
		return err
	}

	var apiErr *models.APIError
	if !errors.As(err, &apiErr) {
		return &GenericBookingFailure{Message: nonEmpty(err.Error(), DefaultFailureMessage), Err: err}
	}

	if msg, ok := duplicateMarker(apiErr); ok {
		return &DuplicateBookingConflict{Message: msg, Err: err}
	}

	return &GenericBookingFailure{
		StatusCode: apiErr.StatusCode,
		Message:    failureMessage(apiErr),
		Err:        err,
	}
}

func duplicateMarker(e *models.APIError) (string, bool) {
	for _, field := range e.Body.Fields() {
		for _, msg := range e.Body.FieldErrors[field] {
			if containsAny(msg, uniqueMarkers) {
				return msg, true
			}
		}
	}
	if e.StatusCode == http.StatusBadRequest {
		for _, msg := range []string{e.Body.Detail, e.Body.Message} {
			if containsAny(msg, existsMarkers) {
				return msg, true
			}
		}
	}
	return "", false
}

func failureMessage(e *models.APIError) string {
	switch {
	case strings.TrimSpace(e.Body.Detail) != "":
		return e.Body.Detail
	case strings.TrimSpace(e.Body.Message) != "":
		return e.Body.Message
	case strings.TrimSpace(e.TransportMessage) != "":
		return e.TransportMessage
	default:
		return DefaultFailureMessage
	}
}

func containsAny(s string, markers []string) bool {
	s = strings.ToLower(s)
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func IsDuplicateConflict(err error) bool {
	var target *DuplicateBookingConflict
	return errors.As(err, &target)
}

func IsGenericFailure(err error) bool {
	var target *GenericBookingFailure
	return errors.As(err, &target)
}
