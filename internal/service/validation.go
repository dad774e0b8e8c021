package service

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/cropalert/backend/internal/apperror"
)

// Column shapes of the stored amounts: NUMERIC(14,2) prices and
// NUMERIC(9,3) percentages.
const (
	priceDigits   = 14
	priceScale    = 2
	percentDigits = 9
	percentScale  = 3
)

// fitsNumeric reports whether d is stored exactly in a NUMERIC(digits, scale) column.
func fitsNumeric(d decimal.Decimal, digits, scale int32) bool {
	if !d.Equal(d.Truncate(scale)) {
		return false
	}
	return d.Abs().LessThan(decimal.New(1, digits-scale))
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// toValidationError converts the first validator failure into an AppError.
func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperror.BadRequest(err.Error())
	}

	fe := verrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return apperror.ValidationError(field, field+" is required")
	case "e164":
		return apperror.ValidationError(field, "must be an E.164 phone number, e.g. +94771234567")
	case "email":
		return apperror.ValidationError(field, "must be a valid email address")
	case "max":
		return apperror.ValidationError(field, "must be at most "+fe.Param()+" characters")
	case "gt", "gte":
		return apperror.ValidationError(field, "must be greater than "+fe.Param())
	default:
		return apperror.ValidationError(field, "failed "+fe.Tag()+" validation")
	}
}
