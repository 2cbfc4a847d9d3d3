package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/questline/questline/network/httputil"
)

// validate checks the struct tags on request payloads. Validator instances
// cache struct metadata, so a single shared one is the cheap option.
var validate = validator.New()

type awardRequest struct {
	UserID string  `json:"userId" validate:"required,max=128"`
	Points float64 `json:"points" validate:"required,gt=0,lte=1000000"`
	Reason string  `json:"reason" validate:"omitempty,max=256"`
}

type tokenRequest struct {
	UserID string `json:"userId" validate:"required,max=128"`
	// TTLSeconds defaults to one hour and is capped at one day.
	TTLSeconds int64 `json:"ttlSeconds" validate:"omitempty,gt=0,lte=86400"`
}

type webhookRequest struct {
	URL           string            `json:"url" validate:"required,url"`
	EventPatterns []string          `json:"eventPatterns" validate:"required,min=1,dive,required"`
	Headers       map[string]string `json:"headers"`
	Secret        string            `json:"secret"`
}

// decodeJSON reads one JSON value from the request body into v, translating
// decode failures into client errors. It returns false after writing the
// response, so handlers can bail with a bare return.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			httputil.HandleError(w, "request body too large", http.StatusRequestEntityTooLarge)
		case errors.Is(err, io.EOF):
			httputil.HandleError(w, "request body is empty", http.StatusBadRequest)
		default:
			httputil.HandleError(w, "could not decode request body: "+err.Error(), http.StatusBadRequest)
		}
		return false
	}
	return true
}

// decodeValid decodes into v and then applies its validate tags.
func decodeValid(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if !decodeJSON(w, r, v) {
		return false
	}
	if err := validate.Struct(v); err != nil {
		httputil.HandleError(w, "invalid request: "+validationMessage(err), http.StatusBadRequest)
		return false
	}
	return true
}

// validationMessage flattens validator errors into a single readable line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	msg := ""
	for i, fe := range verrs {
		if i > 0 {
			msg += "; "
		}
		msg += "field " + fe.Field() + " failed " + fe.Tag() + " check"
	}
	return msg
}
