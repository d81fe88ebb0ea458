package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/eddielth/telemetry-normalizer/config"
	"github.com/eddielth/telemetry-normalizer/transformer"
)

var (
	ErrOutOfRange = errors.New("value out of range")
	ErrNotNumeric = errors.New("value is not numeric")
)

// Validator checks a canonical record
type Validator interface {
	Validate(record transformer.Record) error
}

// RangeValidator bounds a numeric data field. A record without the field passes.
type RangeValidator struct {
	Field string
	Min   float64
	Max   float64
}

// Validate checks that data[Field] lies within [Min, Max]
func (rv *RangeValidator) Validate(record transformer.Record) error {
	raw, ok := record.Data[rv.Field]
	if !ok || raw == nil {
		return nil
	}

	value, ok := toFloat(raw)
	if !ok {
		return fmt.Errorf("%w: data.%s has type %T", ErrNotNumeric, rv.Field, raw)
	}

	if value < rv.Min || value > rv.Max {
		return fmt.Errorf("%w: data.%s = %v not in [%v, %v]", ErrOutOfRange, rv.Field, value, rv.Min, rv.Max)
	}
	return nil
}

// FromRules builds one RangeValidator per configured rule
func FromRules(rules []config.RangeRule) []Validator {
	validators := make([]Validator, 0, len(rules))
	for _, r := range rules {
		validators = append(validators, &RangeValidator{Field: r.Field, Min: r.Min, Max: r.Max})
	}
	return validators
}

// ValidateAll runs every validator and joins their failures
func ValidateAll(record transformer.Record, validators []Validator) error {
	var errs []error
	for _, v := range validators {
		if err := v.Validate(record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func toFloat(raw interface{}) (float64, bool) {
	if n, ok := raw.(json.Number); ok {
		f, err := n.Float64()
		return f, err == nil
	}

	v := reflect.ValueOf(raw)
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), true
	default:
		return 0, false
	}
}
