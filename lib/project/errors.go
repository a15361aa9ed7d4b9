package project

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoDescriptor is returned when no descriptor file can be found.
	ErrNoDescriptor = errors.New("no descriptor file found")

	// ErrInvalidName is returned for service or project names that are not
	// usable as DNS labels.
	ErrInvalidName = errors.New("invalid name")
)

// ValidationError reports one problem with a descriptor.
type ValidationError struct {
	// Service is empty for problems with the unit itself.
	Service string
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	if e.Service != "" {
		fmt.Fprintf(&b, "service %q: ", e.Service)
	}
	if e.Field != "" {
		b.WriteString(e.Field)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ValidationErrors is every problem found in one descriptor.
type ValidationErrors []*ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 1 {
		return "invalid descriptor: " + v[0].Error()
	}
	lines := make([]string, 0, len(v)+1)
	lines = append(lines, fmt.Sprintf("invalid descriptor (%d problems):", len(v)))
	for _, e := range v {
		lines = append(lines, "  - "+e.Error())
	}
	return strings.Join(lines, "\n")
}

// Unwrap lets errors.As find individual problems, including a wrapped
// scheduler.CycleError.
func (v ValidationErrors) Unwrap() []error {
	out := make([]error, len(v))
	for i, e := range v {
		out[i] = e
	}
	return out
}

type collector struct {
	errs ValidationErrors
}

func (c *collector) add(service, field, format string, args ...any) {
	c.errs = append(c.errs, &ValidationError{Service: service, Field: field, Message: fmt.Sprintf(format, args...)})
}

func (c *collector) wrap(service, field string, err error) {
	c.errs = append(c.errs, &ValidationError{Service: service, Field: field, Message: err.Error(), Err: err})
}

func (c *collector) err() error {
	if len(c.errs) == 0 {
		return nil
	}
	return c.errs
}
