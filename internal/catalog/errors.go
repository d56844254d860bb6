package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// SchemaError reports an unknown category or field, or a broken schema
// definition. It signals misconfiguration and is never retried.
type SchemaError struct {
	Category string
	Field    string
	Msg      string
}

func (e *SchemaError) Error() string {
	var b strings.Builder
	b.WriteString("schema")
	if e.Category != "" {
		b.WriteString(" " + e.Category)
	}
	if e.Field != "" {
		b.WriteString("." + e.Field)
	}
	b.WriteString(": " + e.Msg)
	return b.String()
}

// ValidationError rejects one candidate: field set mismatch or a missing
// derivable value (display name source, url, parent id).
type ValidationError struct {
	Category string
	Reason   string
	Missing  []string
	Extra    []string
}

func (e *ValidationError) Error() string {
	msg := "validation"
	if e.Category != "" {
		msg += " " + e.Category
	}
	msg += ": " + e.Reason
	if len(e.Missing) > 0 {
		msg += " missing=" + strings.Join(e.Missing, ",")
	}
	if len(e.Extra) > 0 {
		msg += " extra=" + strings.Join(e.Extra, ",")
	}
	return msg
}

// NotFoundError is a lookup miss. Callers use it to pick insert over update.
type NotFoundError struct {
	Category  string
	Predicate Predicate
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: no record matching %s", e.Category, e.Predicate)
}

// StoreError wraps an underlying persistence failure.
type StoreError struct {
	Op       string
	Category string
	Err      error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Category, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsSchema reports whether err is (or wraps) a SchemaError.
func IsSchema(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// IsStore reports whether err is (or wraps) a StoreError.
func IsStore(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// ValidateFieldSet checks that rec carries exactly want. Missing and extra
// field names are reported sorted.
func ValidateFieldSet(category string, rec Record, want map[string]struct{}) error {
	var missing, extra []string
	for f := range want {
		if _, ok := rec[f]; !ok {
			missing = append(missing, f)
		}
	}
	for f := range rec {
		if _, ok := want[f]; !ok {
			extra = append(extra, f)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(extra)
	reason := "field set does not match schema"
	return &ValidationError{Category: category, Reason: reason, Missing: missing, Extra: extra}
}
