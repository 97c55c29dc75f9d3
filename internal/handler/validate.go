package handler

import (
	"encoding/json"
	"net/http"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"
	validatorv10 "github.com/go-playground/validator/v10"
)

func newValidator() *validatorv10.Validate {
	v := validatorv10.New(validatorv10.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// bind decodes raw into dst and validates it. On failure it writes a 400
// with per-field messages and returns false.
func (h *Handler) bind(c *gin.Context, raw []byte, dst any) bool {
	if err := json.Unmarshal(raw, dst); err != nil {
		writeValidation(c, map[string]string{"body": "must be a valid JSON document"})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeValidation(c, fieldErrors(err))
		return false
	}
	return true
}

// bindJSON reads the request body and binds it.
func (h *Handler) bindJSON(c *gin.Context, dst any) ([]byte, bool) {
	raw, err := c.GetRawData()
	if err != nil {
		writeValidation(c, map[string]string{"body": "unreadable"})
		return nil, false
	}
	return raw, h.bind(c, raw, dst)
}

func fieldErrors(err error) map[string]string {
	var ve validatorv10.ValidationErrors
	if !errors.As(err, &ve) {
		return map[string]string{"body": err.Error()}
	}
	out := make(map[string]string, len(ve))
	for _, fe := range ve {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		out[field] = fieldMessage(fe)
	}
	return out
}

func fieldMessage(fe validatorv10.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind() == reflect.Slice {
			return "must contain at least " + fe.Param() + " element(s)"
		}
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "len":
		return "must be " + fe.Param() + " characters long"
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "numeric":
		return "must be a number"
	default:
		return "is invalid"
	}
}

func writeValidation(c *gin.Context, fields map[string]string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "validation_failed",
		"message": "request validation failed",
		"fields":  fields,
	})
}
