package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate validates the FleetConfig using struct tags and cross-field
// rules not expressible as tags.
func (c *FleetConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateUpstreamTransports(); err != nil {
		return err
	}
	if err := c.validateUpstreamNamesUnique(); err != nil {
		return err
	}

	return nil
}

// validateUpstreamTransports ensures each statically configured upstream
// specifies exactly one transport variant.
func (c *FleetConfig) validateUpstreamTransports() error {
	for i, u := range c.Upstreams {
		kinds := 0
		if u.Command != "" {
			kinds++
		}
		if u.TCP != "" {
			kinds++
		}
		if u.WS != "" {
			kinds++
		}
		if kinds != 1 {
			return fmt.Errorf("upstreams[%d] (%s): specify exactly one of command, tcp, or ws", i, u.Name)
		}
	}
	return nil
}

// validateUpstreamNamesUnique ensures statically configured upstream
// names do not collide.
func (c *FleetConfig) validateUpstreamNamesUnique() error {
	seen := make(map[string]struct{}, len(c.Upstreams))
	for _, u := range c.Upstreams {
		if _, ok := seen[u.Name]; ok {
			return fmt.Errorf("upstreams: duplicate name %q", u.Name)
		}
		seen[u.Name] = struct{}{}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
