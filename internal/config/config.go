package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/minbarhq/minbar-live/internal/errors"
)

const ErrInvalidConfig errors.Code = "invalid configuration"

var validate = validator.New(validator.WithRequiredStructEnabled())

func NewViper() *viper.Viper {
	v := viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	return v
}

// Load unmarshals configuration into c and validates it against the
// struct's validate tags.
func Load[T any](c *T, configure func(v *viper.Viper)) (*T, error) {
	v := NewViper()

	configure(v)
	if err := v.Unmarshal(c); err != nil {
		return nil, err
	}
	if err := validate.Struct(c); err != nil {
		return nil, errors.Wrap(ErrInvalidConfig, err, "config validation")
	}
	return c, nil
}
