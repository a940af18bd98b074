package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDeclarationNotFound  = errors.New("declaration not found")
	ErrDeclarationMalformed = errors.New("declaration malformed")
)

// ConfigurationError reports a missing or malformed declaration file. Kind is
// ErrDeclarationNotFound or ErrDeclarationMalformed.
type ConfigurationError struct {
	File string
	Kind error
	Err  error
}

func (e *ConfigurationError) Error() string {
	switch {
	case errors.Is(e.Kind, ErrDeclarationNotFound):
		return fmt.Sprintf("%s could not be found. Please make sure this file has been added with the default content", e.File)
	case e.Err != nil:
		return fmt.Sprintf("please validate the %s file: %v", e.File, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.File, e.Kind)
	}
}

func (e *ConfigurationError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// GraphIntegrityError is returned when a package-style project is found
// inside the closure of another package-style project.
type GraphIntegrityError struct {
	Parent string
	Nested string
	Type   ProjectType
}

func (e *GraphIntegrityError) Error() string {
	return fmt.Sprintf("project %s of type %s cannot be included in package %s", e.Nested, e.Type, e.Parent)
}
