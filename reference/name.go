package reference

import (
	"fmt"

	distref "github.com/distribution/reference"
)

func ValidateRepository(name string) error {
	if _, err := distref.WithName(name); err != nil {
		return fmt.Errorf("%q: %w: %w", name, ErrNameInvalid, err)
	}
	return nil
}

func ValidateTag(tag string) error {
	named, err := distref.WithName("tag/check")
	if err != nil {
		return err
	}
	if _, err := distref.WithTag(named, tag); err != nil {
		return fmt.Errorf("%q: %w: %w", tag, ErrTagInvalid, err)
	}
	return nil
}
