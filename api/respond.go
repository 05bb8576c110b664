package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"github.com/tarancss/blocksub/lib/errs"
)

// MsgInvalidBody is returned when the request body is not a JSON object.
const MsgInvalidBody = "Invalid JSON body"

// reply writes body as JSON with the given status code.
func reply(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json;charset=utf8")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Warn("Cannot write response")
	}
}

// replyError writes the client view of e. Causes are only logged.
func replyError(w http.ResponseWriter, e *errs.Error) {
	if e.Kind == errs.Internal {
		log.WithError(e.Cause).Error(e.Message)
	} else if e.Cause != nil {
		log.WithError(e.Cause).Debug(e.Message)
	}

	reply(w, e.Kind.Status(), e.Body())
}

// newValidator returns a validator reporting fields by their json name.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}

		return name
	})

	return v
}

// check validates v and returns a Validation error listing every failing field.
func (s *Service) check(v interface{}) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}

	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return fmt.Errorf("cannot validate request: %w", err)
	}

	details := make([]string, 0, len(ve))
	for _, fe := range ve {
		details = append(details, fieldMessage(fe))
	}

	return errs.NewValidation("Validation failed", details...)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " should not be empty"
	case "email":
		return fe.Field() + " must be an email"
	}

	return fe.Field() + " is invalid"
}

// decode reads the JSON body into v and validates it. An empty body is validated as an empty object.
func (s *Service) decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errs.NewValidation(MsgInvalidBody)
	}

	return s.check(v)
}
