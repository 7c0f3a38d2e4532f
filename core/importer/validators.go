package importer

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/DavieBik/questify-glow-sub000/core"
)

const (
	targetFieldTag  = "targetfield"
	targetFieldText = "{0} must be a known target field"
	importKindTag   = "importkind"
	importKindText  = "{0} must be a supported import kind"
)

// InitValidators registers the import validation tags. core.InitValidators must have run first.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(targetFieldTag, func(fl validator.FieldLevel) bool {
		return TargetField(fl.Field().String()).Valid()
	})
	core.RegisterCustomTranslation(validate, translator, targetFieldTag, targetFieldText)

	_ = validate.RegisterValidation(importKindTag, func(fl validator.FieldLevel) bool {
		return Kind(fl.Field().String()).Valid()
	})
	core.RegisterCustomTranslation(validate, translator, importKindTag, importKindText)
}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}
