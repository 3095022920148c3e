package validation

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type ValidationTestSuite struct {
	suite.Suite
	validator *validator.Validate
}

func (s *ValidationTestSuite) SetupTest() {
	s.validator = validator.New()
}

func TestValidationTestSuite(t *testing.T) {
	suite.Run(t, new(ValidationTestSuite))
}

func (s *ValidationTestSuite) TestValidatePreacherID() {
	err := Register(s.validator, "preacherid", ValidatePreacherID)
	s.Require().NoError(err)

	tests := []struct {
		name       string
		preacherID string
		wantErr    bool
	}{
		{
			name:       "valid alphanumeric",
			preacherID: "preacher123",
			wantErr:    false,
		},
		{
			name:       "valid with hyphens and underscores",
			preacherID: "imam_abu-bakr",
			wantErr:    false,
		},
		{
			name:       "valid single char",
			preacherID: "p",
			wantErr:    false,
		},
		{
			name:       "invalid - empty string",
			preacherID: "",
			wantErr:    true,
		},
		{
			name:       "invalid - spaces",
			preacherID: "imam abu",
			wantErr:    true,
		},
		{
			name:       "invalid - special characters",
			preacherID: "imam@masjid",
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			type TestStruct struct {
				PreacherID string `validate:"preacherid"`
			}

			err := s.validator.Struct(TestStruct{PreacherID: tt.preacherID})
			if tt.wantErr {
				s.Require().Error(err, "Expected validation error for preacherID: %s", tt.preacherID)
			} else {
				s.Require().NoError(err, "Expected no validation error for preacherID: %s", tt.preacherID)
			}
		})
	}
}

func (s *ValidationTestSuite) TestRegisterAlias() {
	RegisterAlias(s.validator, "testalias", "required,min=5")

	type TestStruct struct {
		Field string `validate:"testalias"`
	}

	s.Require().NoError(s.validator.Struct(TestStruct{Field: "hello"}))
	s.Require().Error(s.validator.Struct(TestStruct{Field: "hi"}))
	s.Require().Error(s.validator.Struct(TestStruct{Field: ""}))
}

func (s *ValidationTestSuite) TestFormatValidationError() {
	type TestStruct struct {
		Email string `validate:"required,email"`
		Age   int    `validate:"required,min=18"`
	}

	err := s.validator.Struct(TestStruct{Email: "invalid-email", Age: 10})
	s.Require().Error(err)

	formatted := FormatValidationError(err)
	s.Len(formatted, 2)

	fields := make(map[string]bool)
	for _, e := range formatted {
		fields[e.Field] = true
		s.NotEmpty(e.Message)
	}
	s.True(fields["Email"])
	s.True(fields["Age"])
}

func (s *ValidationTestSuite) TestFormatValidationErrorNonValidationError() {
	s.Empty(FormatValidationError(assert.AnError))
}
