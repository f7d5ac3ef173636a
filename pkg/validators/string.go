package validators

import (
	"strings"
	"unicode/utf8"

	"github.com/asaskevich/govalidator"
)

// ToUserFriendlyName turns a snake_case field into a label for messages:
// "delivery_date" becomes "Delivery Date".
func ToUserFriendlyName(field string) string {
	parts := strings.Split(field, "_")
	for i, part := range parts {
		if part != "" {
			parts[i] = strings.ToUpper(part[:1]) + strings.ToLower(part[1:])
		}
	}
	return strings.Join(parts, " ")
}

// ValidateStringEmpty fails when value is empty.
func ValidateStringEmpty(value, field string) Result {
	if value == "" {
		return fail(field, value, CodeRequired, "%s is required.", ToUserFriendlyName(field))
	}
	return pass(field, value)
}

// ValidateStringLength checks that value has between minLength and
// maxLength runes. An empty value with minLength > 0 is reported as
// required.
func ValidateStringLength(value, field string, minLength, maxLength int) Result {
	name := ToUserFriendlyName(field)
	n := utf8.RuneCountInString(value)
	switch {
	case n == 0 && minLength > 0:
		return fail(field, value, CodeRequired, "%s is required.", name)
	case n < minLength:
		return fail(field, value, CodeOutOfRange, "%s must be at least %d characters long.", name, minLength)
	case n > maxLength:
		return fail(field, value, CodeOutOfRange, "%s must be no more than %d characters long.", name, maxLength)
	}
	return pass(field, value)
}

// ValidateStringPattern checks value against a regular expression. kind
// names the expected format in the message.
func ValidateStringPattern(value, field, pattern, kind string) Result {
	name := ToUserFriendlyName(field)
	if value == "" {
		return fail(field, value, CodeRequired, "%s is required.", name)
	}
	if !govalidator.Matches(value, pattern) {
		return fail(field, value, CodeInvalid, "%s %q is not a valid %s.", name, value, kind)
	}
	return pass(field, value)
}
