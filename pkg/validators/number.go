package validators

import "strconv"

// ValidatePositive fails unless value is greater than zero.
func ValidatePositive(value int64, field string) Result {
	s := strconv.FormatInt(value, 10)
	if value <= 0 {
		return fail(field, s, CodeOutOfRange, "%s must be positive, got %d.", ToUserFriendlyName(field), value)
	}
	return pass(field, s)
}

// ValidateNonNegative fails when value is below zero.
func ValidateNonNegative(value int64, field string) Result {
	s := strconv.FormatInt(value, 10)
	if value < 0 {
		return fail(field, s, CodeOutOfRange, "%s cannot be negative, got %d.", ToUserFriendlyName(field), value)
	}
	return pass(field, s)
}
