package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/acme/expediente/model"
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateStart checks the request struct tags and that every variable is a
// scalar under a non-empty name.
func (s *Service) validateStart(req model.StartProcessRequest) []model.FieldError {
	var details []model.FieldError

	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return []model.FieldError{{Field: "", Code: "INVALID", Message: err.Error()}}
		}
		for _, fe := range verrs {
			details = append(details, fieldError(fe))
		}
	}
	if strings.TrimSpace(req.ProcessID) == "" && len(details) == 0 {
		details = append(details, model.FieldError{
			Field: "processId", Code: "REQUIRED", Message: "processId is required",
		})
	}

	keys := make([]string, 0, len(req.Variables))
	for k := range req.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.TrimSpace(k) == "" {
			details = append(details, model.FieldError{
				Field: "variables", Code: "INVALID_NAME", Message: "variable names must not be empty",
			})
			continue
		}
		if !isScalar(req.Variables[k]) {
			details = append(details, model.FieldError{
				Field:   "variables." + k,
				Code:    "NOT_SCALAR",
				Message: fmt.Sprintf("variable %q must be a string, number, boolean or null", k),
			})
		}
	}
	return details
}

func fieldError(fe validator.FieldError) model.FieldError {
	switch fe.Tag() {
	case "required":
		return model.FieldError{Field: fe.Field(), Code: "REQUIRED", Message: fe.Field() + " is required"}
	case "max":
		return model.FieldError{Field: fe.Field(), Code: "TOO_LONG", Message: fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())}
	default:
		return model.FieldError{Field: fe.Field(), Code: strings.ToUpper(fe.Tag()), Message: fe.Error()}
	}
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, json.Number,
		float32, float64,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return true
	default:
		return false
	}
}
