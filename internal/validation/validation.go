// Package validation holds the input checks shared by configuration loading,
// the local store, and the authority.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"unicode"

	"offsync/internal/constants"
	"offsync/internal/errors"
)

// Collection names become part of a table name, so they are restricted to
// SQL identifier characters.
var collectionNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,62}$`)

// ValidateCollectionName checks that name can be used as a collection.
func ValidateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return errors.NewValidationError("collection", name,
			"collection names must start with a letter and contain only letters, digits and underscores")
	}
	return nil
}

// ValidateEntityID validates a record identifier supplied by a caller or peer
func ValidateEntityID(id string) error {
	if err := ValidateStringLength(id, "entity id", 1, constants.MaxEntityIDLength); err != nil {
		return err
	}
	return rejectControlChars(id, "entity id")
}

// ValidateDeviceID validates a configured or announced device identifier
func ValidateDeviceID(id string) error {
	if err := ValidateStringLength(id, "device id", 1, constants.MaxDeviceIDLength); err != nil {
		return err
	}
	return rejectControlChars(id, "device id")
}

func rejectControlChars(value, fieldName string) error {
	for _, r := range value {
		if unicode.IsControl(r) {
			return errors.New(errors.ErrCodeInvalidInput,
				fmt.Sprintf("%s contains control characters", fieldName))
		}
	}
	return nil
}

// ValidateHTTPRequestSize validates incoming HTTP request size
func ValidateHTTPRequestSize(r *http.Request, maxSizeBytes int64) error {
	if r.ContentLength > maxSizeBytes {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("request too large: %d bytes (max %d bytes)", r.ContentLength, maxSizeBytes))
	}

	return nil
}

// ValidateStringLength validates string length against bounds
func ValidateStringLength(value, fieldName string, minLength, maxLength int) error {
	if len(value) < minLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too short (min %d characters)", fieldName, minLength))
	}

	if len(value) > maxLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too long (max %d characters)", fieldName, maxLength))
	}

	return nil
}

// ValidateNumericRange validates numeric values against bounds
func ValidateNumericRange(value int, fieldName string, min, max int) error {
	if value < min {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too small (min %d)", fieldName, min))
	}

	if value > max {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too large (max %d)", fieldName, max))
	}

	return nil
}

// ValidateTimeout validates timeout values
func ValidateTimeout(timeoutSec int, fieldName string) error {
	if timeoutSec < 1 {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s must be at least 1 second", fieldName))
	}

	if timeoutSec > constants.MaxTimeoutSec {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too large (max %d seconds)", fieldName, constants.MaxTimeoutSec))
	}

	return nil
}
