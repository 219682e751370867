package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	if err := validate.RegisterValidation("url_or_placeholder", validateURLOrPlaceholder); err != nil {
		panic(err)
	}
}

// validateURLOrPlaceholder accepts a well-formed http(s):// URL, or one
// that still carries the "@org@"/"@fqrn@" templates ResolveServerURL
// substitutes later (CVMFS_SERVER_URL is frequently distributed
// unresolved, spec §6).
func validateURLOrPlaceholder(fl validator.FieldLevel) bool {
	v := fl.Field().String()
	if strings.Contains(v, "@org@") || strings.Contains(v, "@fqrn@") {
		return true
	}
	return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")
}

// Validate runs struct-tag validation plus the cross-field rules tags
// cannot express, matching marmos91-dnfs's Validate/validateCustomRules
// split.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	if cfg.KeysDir == "" && cfg.PublicKey == "" {
		return fmt.Errorf("one of keys_dir or public_key must be configured")
	}
	if cfg.RootHash == "" && cfg.RepositoryTag != "" && cfg.AutoUpdate {
		return fmt.Errorf("repository_tag is pinned but auto_update is also set; they are mutually exclusive")
	}
	return nil
}

func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
