package courseimport

import (
	"fmt"
	"sort"
	"strings"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/DavieBik/questify-glow-sub000/core"
	"github.com/DavieBik/questify-glow-sub000/core/importer"
)

const (
	boolTag  = "importbool"
	boolText = "{0} must be true or false"
)

var (
	// validation tag -> error code
	tagCodes = map[string]string{
		"required": CodeMissingRequired,
		"number":   CodeInvalidInteger,
		boolTag:    CodeInvalidBoolean,
		"oneof":    CodeInvalidValue,
		"max":      CodeInvalidValue,
		"extid":    CodeInvalidValue,
		"url":      CodeInvalidURL,
	}

	trueValues  = []string{"true", "t", "yes", "y", "1"}
	falseValues = []string{"false", "f", "no", "n", "0"}
)

type (
	// rowValues are the mapped cells of one record.
	rowValues map[importer.TargetField]string

	courseRow struct {
		ExternalID       string `json:"external_id" validate:"required,max=100,extid"`
		Title            string `json:"title" validate:"required,max=255"`
		ShortDescription string `json:"short_description" validate:"max=500"`
		Description      string `json:"description"`
		Category         string `json:"category" validate:"max=100"`
		Difficulty       string `json:"difficulty" validate:"omitempty,oneof=beginner intermediate advanced"`
		DurationMinutes  string `json:"duration_minutes" validate:"omitempty,number"`
		IsMandatory      string `json:"is_mandatory" validate:"omitempty,importbool"`
		Status           string `json:"status" validate:"omitempty,oneof=draft published archived"`
	}

	moduleRow struct {
		ExternalID      string `json:"module_external_id" validate:"required,max=100,extid"`
		Title           string `json:"module_title" validate:"required,max=255"`
		Description     string `json:"module_description"`
		OrderIndex      string `json:"module_order_index" validate:"omitempty,number"`
		ContentType     string `json:"module_content_type" validate:"omitempty,oneof=video document quiz link text scorm"`
		ContentURL      string `json:"module_content_url" validate:"omitempty,url"`
		DurationMinutes string `json:"module_duration_minutes" validate:"omitempty,number"`
		IsRequired      string `json:"module_is_required" validate:"omitempty,importbool"`
	}

	// parsedRow is a record that passed validation.
	parsedRow struct {
		number int
		values rowValues
	}

	analysis struct {
		rows      []parsedRow
		processed int
		errs      []importer.ImportError
	}

	rowValidator struct {
		validate   *validator.Validate
		translator ut.Translator
	}
)

func newRowValidator() *rowValidator {
	translator := core.NewTranslator()
	validate := validator.New()
	core.InitValidators(validate, translator)
	_ = validate.RegisterValidation(boolTag, func(fl validator.FieldLevel) bool {
		_, ok := parseBool(fl.Field().String())
		return ok
	})
	core.RegisterCustomTranslation(validate, translator, boolTag, boolText)
	return &rowValidator{validate: validate, translator: translator}
}

func parseBool(s string) (value, ok bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, t := range trueValues {
		if s == t {
			return true, true
		}
	}
	for _, f := range falseValues {
		if s == f {
			return false, true
		}
	}
	return false, false
}

func (v rowValues) hasModule() bool {
	for field, value := range v {
		if field.Group() == importer.GroupModule && value != "" {
			return true
		}
	}
	return false
}

func (v rowValues) courseRow() courseRow {
	return courseRow{
		ExternalID:       v[importer.FieldExternalID],
		Title:            v[importer.FieldTitle],
		ShortDescription: v[importer.FieldShortDescription],
		Description:      v[importer.FieldDescription],
		Category:         v[importer.FieldCategory],
		Difficulty:       strings.ToLower(v[importer.FieldDifficulty]),
		DurationMinutes:  v[importer.FieldDurationMinutes],
		IsMandatory:      v[importer.FieldIsMandatory],
		Status:           strings.ToLower(v[importer.FieldStatus]),
	}
}

func (v rowValues) moduleRow() moduleRow {
	return moduleRow{
		ExternalID:      v[importer.FieldModuleExternalID],
		Title:           v[importer.FieldModuleTitle],
		Description:     v[importer.FieldModuleDescription],
		OrderIndex:      v[importer.FieldModuleOrderIndex],
		ContentType:     strings.ToLower(v[importer.FieldModuleContentType]),
		ContentURL:      v[importer.FieldModuleContentURL],
		DurationMinutes: v[importer.FieldModuleDurationMinutes],
		IsRequired:      v[importer.FieldModuleIsRequired],
	}
}

// analyze validates every record of f against fm.
func (rv *rowValidator) analyze(f importer.File, fm importer.FieldMapping) analysis {
	var an analysis

	header, records, err := readRecords(f)
	if err != nil {
		an.errs = append(an.errs, jobError(CodeParseError, "", fileErrorMessage(err)))
		return an
	}

	if an.errs = checkMapping(header, fm); len(an.errs) > 0 {
		for _, rec := range records {
			if !rec.blank() {
				an.processed++
			}
		}
		return an
	}

	courses := make(map[string]parsedRow)
	modules := make(map[string]int)
	for _, rec := range records {
		if rec.blank() {
			continue
		}
		an.processed++

		values := make(rowValues, len(fm))
		for col, target := range fm {
			values[target] = rec.values[col]
		}

		errs := rv.check(values.courseRow())
		if values.hasModule() {
			errs = append(errs, rv.check(values.moduleRow())...)
		}
		if len(errs) == 0 {
			errs = checkDuplicates(rec.number, values, courses, modules)
		}
		if len(errs) > 0 {
			for i := range errs {
				errs[i].RowNumber = rec.number
				errs[i].Raw = rec.values
			}
			an.errs = append(an.errs, errs...)
			continue
		}
		an.rows = append(an.rows, parsedRow{number: rec.number, values: values})
	}
	return an
}

func fileErrorMessage(err error) string {
	if errors.Cause(err) == importer.ErrUnsupportedFileType || err == errNoHeader {
		return errors.Cause(err).Error()
	}
	return "the file could not be read: " + err.Error()
}

// check validates one row struct, one error per invalid field.
func (rv *rowValidator) check(row interface{}) []importer.ImportError {
	err := rv.validate.Struct(row)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []importer.ImportError{newError(CodeInvalidValue, err.Error())}
	}

	errs := make([]importer.ImportError, 0, len(verrs))
	for _, fe := range verrs {
		code, ok := tagCodes[fe.Tag()]
		if !ok {
			code = CodeInvalidValue
		}
		msg := fe.Translate(rv.translator)
		if !strings.Contains(msg, fe.Field()) {
			msg = fe.Field() + ": " + msg
		}
		errs = append(errs, newError(code, msg))
	}
	return errs
}

// checkDuplicates rejects course rows contradicting an earlier row of the same course,
// and modules listed twice for a course. Course values missing from the first row of a course
// are taken from the later ones.
func checkDuplicates(number int, values rowValues, courses map[string]parsedRow, modules map[string]int) []importer.ImportError {
	ext := values[importer.FieldExternalID]
	if first, ok := courses[ext]; ok {
		for _, def := range importer.Fields {
			if def.Group != importer.GroupCourse {
				continue
			}
			prev, cur := first.values[def.Field], values[def.Field]
			if prev != "" && cur != "" && prev != cur {
				return []importer.ImportError{newError(CodeConflictingCourse, fmt.Sprintf(
					"course %q has a different %s on row %d", ext, def.Field, first.number,
				))}
			}
		}
		for _, def := range importer.Fields {
			if def.Group == importer.GroupCourse && first.values[def.Field] == "" && values[def.Field] != "" {
				first.values[def.Field] = values[def.Field]
			}
		}
	} else {
		courses[ext] = parsedRow{number: number, values: values}
	}

	if !values.hasModule() {
		return nil
	}
	key := ext + "\x00" + values[importer.FieldModuleExternalID]
	if row, dup := modules[key]; dup {
		return []importer.ImportError{newError(CodeDuplicateModule, fmt.Sprintf(
			"module %q of course %q is already listed on row %d", values[importer.FieldModuleExternalID], ext, row,
		))}
	}
	modules[key] = number
	return nil
}

// checkMapping validates fm against the file header.
func checkMapping(header []string, fm importer.FieldMapping) []importer.ImportError {
	inHeader := make(map[string]bool, len(header))
	for _, col := range header {
		inHeader[col] = true
	}

	var errs []importer.ImportError
	byTarget := make(map[importer.TargetField][]string)
	for _, col := range sortedColumns(fm) {
		target := fm[col]
		switch {
		case !target.Valid():
			errs = append(errs, jobError(CodeUnknownTarget, col, fmt.Sprintf("%q is not a known target field", target)))
		case !inHeader[col]:
			errs = append(errs, jobError(CodeUnknownColumn, col, fmt.Sprintf("column %q is not in the file", col)))
		default:
			byTarget[target] = append(byTarget[target], col)
		}
	}
	for _, def := range importer.Fields {
		if cols := byTarget[def.Field]; len(cols) > 1 {
			errs = append(errs, jobError(CodeDuplicateTarget, "", fmt.Sprintf(
				"%s is mapped by several columns: %s", def.Field, strings.Join(cols, ", "),
			)))
		}
	}
	for _, missing := range importer.MissingRequired(fm) {
		errs = append(errs, jobError(CodeMissingMapping, "", fmt.Sprintf("no column is mapped onto %s", missing)))
	}
	return errs
}

func sortedColumns(fm importer.FieldMapping) []string {
	cols := make([]string, 0, len(fm))
	for col := range fm {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

func newError(code, msg string) importer.ImportError {
	return importer.ImportError{ID: uuid.NewString(), Code: code, Message: msg}
}

func jobError(code, column, msg string) importer.ImportError {
	e := newError(code, msg)
	if column != "" {
		e.Raw = map[string]string{"column": column}
	}
	return e
}
