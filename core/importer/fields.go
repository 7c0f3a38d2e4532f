package importer

import "sort"

// TargetField is a course or module attribute a source column can be mapped onto.
type TargetField string

type FieldGroup string

const (
	GroupCourse FieldGroup = "course"
	GroupModule FieldGroup = "module"
)

// course fields
const (
	FieldExternalID       TargetField = "external_id"
	FieldTitle            TargetField = "title"
	FieldShortDescription TargetField = "short_description"
	FieldDescription      TargetField = "description"
	FieldCategory         TargetField = "category"
	FieldDifficulty       TargetField = "difficulty"
	FieldDurationMinutes  TargetField = "duration_minutes"
	FieldIsMandatory      TargetField = "is_mandatory"
	FieldStatus           TargetField = "status"
)

// module fields
const (
	FieldModuleExternalID      TargetField = "module_external_id"
	FieldModuleTitle           TargetField = "module_title"
	FieldModuleDescription     TargetField = "module_description"
	FieldModuleOrderIndex      TargetField = "module_order_index"
	FieldModuleContentType     TargetField = "module_content_type"
	FieldModuleContentURL      TargetField = "module_content_url"
	FieldModuleDurationMinutes TargetField = "module_duration_minutes"
	FieldModuleIsRequired      TargetField = "module_is_required"
)

// FieldDef describes a TargetField.
// Required module fields are only required once any module field is mapped.
type FieldDef struct {
	Field    TargetField `json:"field"`
	Group    FieldGroup  `json:"group"`
	Label    string      `json:"label"`
	Required bool        `json:"required"`
}

var Fields = []FieldDef{
	{Field: FieldExternalID, Group: GroupCourse, Label: "Course external ID", Required: true},
	{Field: FieldTitle, Group: GroupCourse, Label: "Course title", Required: true},
	{Field: FieldShortDescription, Group: GroupCourse, Label: "Short description"},
	{Field: FieldDescription, Group: GroupCourse, Label: "Description"},
	{Field: FieldCategory, Group: GroupCourse, Label: "Category"},
	{Field: FieldDifficulty, Group: GroupCourse, Label: "Difficulty"},
	{Field: FieldDurationMinutes, Group: GroupCourse, Label: "Duration (minutes)"},
	{Field: FieldIsMandatory, Group: GroupCourse, Label: "Mandatory"},
	{Field: FieldStatus, Group: GroupCourse, Label: "Status"},

	{Field: FieldModuleExternalID, Group: GroupModule, Label: "Module external ID", Required: true},
	{Field: FieldModuleTitle, Group: GroupModule, Label: "Module title", Required: true},
	{Field: FieldModuleDescription, Group: GroupModule, Label: "Module description"},
	{Field: FieldModuleOrderIndex, Group: GroupModule, Label: "Module order"},
	{Field: FieldModuleContentType, Group: GroupModule, Label: "Module content type"},
	{Field: FieldModuleContentURL, Group: GroupModule, Label: "Module content URL"},
	{Field: FieldModuleDurationMinutes, Group: GroupModule, Label: "Module duration (minutes)"},
	{Field: FieldModuleIsRequired, Group: GroupModule, Label: "Module required"},
}

var fieldsByName = func() map[TargetField]FieldDef {
	m := make(map[TargetField]FieldDef, len(Fields))
	for _, f := range Fields {
		m[f.Field] = f
	}
	return m
}()

func LookupField(field TargetField) (FieldDef, bool) {
	f, ok := fieldsByName[field]
	return f, ok
}

func (f TargetField) Valid() bool {
	_, ok := fieldsByName[f]
	return ok
}

func (f TargetField) Group() FieldGroup {
	return fieldsByName[f].Group
}

// FieldMapping is a snapshot of a Mapping: source column -> target field.
type FieldMapping map[string]TargetField

// Targets returns the mapped target fields, sorted.
func (fm FieldMapping) Targets() []TargetField {
	targets := make([]TargetField, 0, len(fm))
	for _, t := range fm {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	return targets
}

// MissingRequired lists the required target fields that no column is mapped onto, in Fields order.
func MissingRequired(fm FieldMapping) []TargetField {
	mapped := make(map[TargetField]bool, len(fm))
	var hasModule bool
	for _, t := range fm {
		mapped[t] = true
		if t.Group() == GroupModule {
			hasModule = true
		}
	}

	var missing []TargetField
	for _, f := range Fields {
		if !f.Required || mapped[f.Field] {
			continue
		}
		if f.Group == GroupModule && !hasModule {
			continue
		}
		missing = append(missing, f.Field)
	}
	return missing
}
