package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate checks the configuration using struct tags plus custom rules
// that tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	switch cfg.Store.Type {
	case "badger":
		if cfg.Store.Badger["db_path"] == "" || cfg.Store.Badger["db_path"] == nil {
			return fmt.Errorf("store.badger: db_path is required")
		}
	case "sqlite":
		if cfg.Store.SQLite["db_path"] == "" || cfg.Store.SQLite["db_path"] == nil {
			return fmt.Errorf("store.sqlite: db_path is required")
		}
	}
	return nil
}

// formatValidationError converts validator errors into readable messages.
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
