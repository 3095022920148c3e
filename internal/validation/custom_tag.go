package validation

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

var preacherIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func init() {
	MustRegisterGin("preacherid", ValidatePreacherID)
	MustRegisterGinAlias("userid", "uuid4")
}

// ValidatePreacherID validates preacher ID format: 1-64 characters, alphanumeric with hyphens and underscores
func ValidatePreacherID(fl validator.FieldLevel) bool {
	return preacherIDRegex.MatchString(fl.Field().String())
}
