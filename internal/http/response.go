package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/example/ride-booking/internal/booking"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/reconciler"
)

type Response struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Errors  any    `json:"errors,omitempty"`
}

// ConflictData tells the UI to offer amending the existing booking.
type ConflictData struct {
	Conflict bool   `json:"conflict"`
	Offer    string `json:"offer"`
	FlowID   string `json:"flow_id,omitempty"`
}

func respondJSON(w http.ResponseWriter, code int, status bool, message string, data, errs any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(Response{Status: status, Message: message, Data: data, Errors: errs})
}

func respondOK(w http.ResponseWriter, message string, data any) {
	respondJSON(w, http.StatusOK, true, message, data, nil)
}

func respondCreated(w http.ResponseWriter, message string, data any) {
	respondJSON(w, http.StatusCreated, true, message, data, nil)
}

func respondBadRequest(w http.ResponseWriter, message string, errs any) {
	respondJSON(w, http.StatusBadRequest, false, message, nil, errs)
}

var errInvalidBookingID = errors.New("invalid booking reference")

// respondError maps service errors onto statuses. flowID, when set, is
// echoed on conflicts so the UI can amend or dismiss the right flow.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error, flowID string) {
	var apiErr *models.APIError
	switch {
	case errors.Is(err, reconciler.ErrInvalidTrip),
		errors.Is(err, reconciler.ErrInvalidSeatCount),
		errors.Is(err, booking.ErrTooManySeats),
		errors.Is(err, errInvalidBookingID):
		respondBadRequest(w, err.Error(), nil)
	case errors.Is(err, booking.ErrNoUser):
		respondJSON(w, http.StatusUnauthorized, false, "unauthorized", nil, nil)
	case errors.Is(err, booking.ErrSubmitInProgress):
		respondJSON(w, http.StatusTooManyRequests, false, err.Error(), nil, nil)
	case errors.Is(err, booking.ErrConflictUnresolved):
		respondJSON(w, http.StatusConflict, false, err.Error(), ConflictData{Conflict: true, Offer: "amend", FlowID: flowID}, nil)
	case errors.Is(err, booking.ErrNoPendingConflict):
		respondJSON(w, http.StatusConflict, false, err.Error(), nil, nil)
	case errors.Is(err, booking.ErrNoActiveBooking),
		errors.Is(err, booking.ErrFlowNotFound):
		respondJSON(w, http.StatusNotFound, false, err.Error(), nil, nil)
	case reconciler.IsDuplicateConflict(err):
		respondJSON(w, http.StatusConflict, false, err.Error(), ConflictData{Conflict: true, Offer: "amend", FlowID: flowID}, nil)
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized:
		respondJSON(w, http.StatusUnauthorized, false, "unauthorized", nil, nil)
	case reconciler.IsGenericFailure(err):
		respondJSON(w, http.StatusBadGateway, false, err.Error(), nil, nil)
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound:
		respondJSON(w, http.StatusNotFound, false, "not found", nil, nil)
	case errors.As(err, &apiErr):
		respondJSON(w, http.StatusBadGateway, false, apiErr.Error(), nil, nil)
	default:
		s.log.Error("unhandled error", zap.String("request_id", requestIDFromContext(r.Context())), zap.Error(err))
		respondJSON(w, http.StatusInternalServerError, false, "internal error", nil, nil)
	}
}
