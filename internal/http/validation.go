package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type BookRequest struct {
	Seats int `json:"seats" validate:"required,min=1"`
}

// AmendRequest may omit seats to reuse the count from the conflicted submit.
type AmendRequest struct {
	Seats int `json:"seats" validate:"omitempty,min=1"`
}

type CancelRequest struct {
	TripID int64 `json:"trip_id" validate:"required,gt=0"`
}

// decodeAndValidate writes a 400 and returns false when the body is bad.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !(allowEmpty && errors.Is(err, io.EOF)) {
		respondBadRequest(w, "invalid request body", nil)
		return false
	}
	if errs := validateStruct(dst); errs != nil {
		respondBadRequest(w, "validation failed", errs)
		return false
	}
	return true
}

func validateStruct(data any) map[string]string {
	err := validate.Struct(data)
	if err == nil {
		return nil
	}
	errs := make(map[string]string)
	if ves, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range ves {
			errs[fe.Field()] = fieldMessage(fe)
		}
	}
	return errs
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "min":
		return fmt.Sprintf("Minimum value is %s", fe.Param())
	case "gt":
		return fmt.Sprintf("Must be greater than %s", fe.Param())
	default:
		return fmt.Sprintf("Invalid %s field", fe.Field())
	}
}
