package courseimport

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/DavieBik/questify-glow-sub000/core/importer"
)

// buildPlan turns validated rows into the writes of a commit.
// Existing courses and modules are matched on their external IDs; only the cells that are mapped
// and non-empty overwrite their current values. New modules without a mapped order index
// are appended after the course's existing ones.
func buildPlan(ctx context.Context, store Store, rows []parsedRow, fp string, now time.Time) (Plan, error) {
	plan := Plan{Fingerprint: fp}

	var extIDs []string
	seen := make(map[string]bool)
	for _, row := range rows {
		if ext := row.values[importer.FieldExternalID]; !seen[ext] {
			seen[ext] = true
			extIDs = append(extIDs, ext)
		}
	}

	existing, err := store.FindCourses(ctx, extIDs)
	if err != nil {
		return Plan{}, err
	}
	coursesByExt := make(map[string]Course, len(existing))
	courseIDs := make([]string, 0, len(existing))
	for _, c := range existing {
		coursesByExt[c.ExternalID] = c
		courseIDs = append(courseIDs, c.ID)
	}

	existingMods, err := store.FindModules(ctx, courseIDs)
	if err != nil {
		return Plan{}, err
	}
	modulesByKey := make(map[string]Module, len(existingMods))
	lastIndex := make(map[string]int) // highest order index per course ID
	for _, m := range existingMods {
		modulesByKey[m.CourseID+"\x00"+m.ExternalID] = m
		if m.OrderIndex > lastIndex[m.CourseID] {
			lastIndex[m.CourseID] = m.OrderIndex
		}
	}

	planned := make(map[string]Course, len(extIDs))
	for _, row := range rows {
		ext := row.values[importer.FieldExternalID]
		course, ok := planned[ext]
		if !ok {
			if cur, found := coursesByExt[ext]; found {
				course = cur
				applyCourse(&course, row.values)
				course.UpdatedAt = now
				plan.ChangedCourses = append(plan.ChangedCourses, course)
			} else {
				course = Course{ID: uuid.NewString(), ExternalID: ext, Status: DefaultCourseStatus, CreatedAt: now, UpdatedAt: now}
				applyCourse(&course, row.values)
				plan.NewCourses = append(plan.NewCourses, course)
			}
			planned[ext] = course
		}

		if !row.values.hasModule() {
			continue
		}
		modExt := row.values[importer.FieldModuleExternalID]
		if cur, found := modulesByKey[course.ID+"\x00"+modExt]; found {
			applyModule(&cur, row.values)
			cur.UpdatedAt = now
			plan.ChangedModules = append(plan.ChangedModules, cur)
			continue
		}
		mod := Module{
			ID:          uuid.NewString(),
			CourseID:    course.ID,
			ExternalID:  modExt,
			OrderIndex:  lastIndex[course.ID] + 1,
			ContentType: DefaultContentType,
			IsRequired:  true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		applyModule(&mod, row.values)
		if mod.OrderIndex > lastIndex[course.ID] {
			lastIndex[course.ID] = mod.OrderIndex
		}
		plan.NewModules = append(plan.NewModules, mod)
	}
	return plan, nil
}

func applyCourse(c *Course, v rowValues) {
	setString(&c.Title, v[importer.FieldTitle])
	setString(&c.ShortDescription, v[importer.FieldShortDescription])
	setString(&c.Description, v[importer.FieldDescription])
	setString(&c.Category, v[importer.FieldCategory])
	setString(&c.Difficulty, strings.ToLower(v[importer.FieldDifficulty]))
	setInt(&c.DurationMinutes, v[importer.FieldDurationMinutes])
	setBool(&c.IsMandatory, v[importer.FieldIsMandatory])
	setString(&c.Status, strings.ToLower(v[importer.FieldStatus]))
}

func applyModule(m *Module, v rowValues) {
	setString(&m.Title, v[importer.FieldModuleTitle])
	setString(&m.Description, v[importer.FieldModuleDescription])
	setInt(&m.OrderIndex, v[importer.FieldModuleOrderIndex])
	setString(&m.ContentType, strings.ToLower(v[importer.FieldModuleContentType]))
	setString(&m.ContentURL, v[importer.FieldModuleContentURL])
	setInt(&m.DurationMinutes, v[importer.FieldModuleDurationMinutes])
	setBool(&m.IsRequired, v[importer.FieldModuleIsRequired])
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// setInt and setBool expect validated values.
func setInt(dst *int, v string) {
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func setBool(dst *bool, v string) {
	if b, ok := parseBool(v); ok {
		*dst = b
	}
}
