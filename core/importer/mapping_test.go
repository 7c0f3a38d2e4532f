package importer

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapping_Set(t *testing.T) {
	m := NewMapping()
	m.Set("ID", FieldExternalID)
	m.Set("Name", FieldTitle)
	assert.Equal(t, FieldMapping{"ID": FieldExternalID, "Name": FieldTitle}, m.Snapshot())
	rev := m.Revision()

	t.Run("same target twice is a no-op", func(t *testing.T) {
		m.Set("ID", FieldExternalID)
		assert.Equal(t, rev, m.Revision())
	})

	t.Run("target moves to the new column", func(t *testing.T) {
		m.Set("Code", FieldExternalID)
		_, ok := m.TargetFor("ID")
		assert.False(t, ok)
		col, ok := m.ColumnFor(FieldExternalID)
		assert.True(t, ok)
		assert.Equal(t, "Code", col)
		assert.Greater(t, m.Revision(), rev)
	})

	t.Run("remapping a column frees its old target", func(t *testing.T) {
		m.Set("Name", FieldCategory)
		_, ok := m.ColumnFor(FieldTitle)
		assert.False(t, ok)
		target, _ := m.TargetFor("Name")
		assert.Equal(t, FieldCategory, target)
	})

	t.Run("empty target unmaps", func(t *testing.T) {
		m.Set("Name", "")
		_, ok := m.TargetFor("Name")
		assert.False(t, ok)
		_, ok = m.ColumnFor(FieldCategory)
		assert.False(t, ok)
		assert.Equal(t, 1, m.Len())
	})

	t.Run("snapshot is a copy", func(t *testing.T) {
		snap := m.Snapshot()
		snap["Other"] = FieldTitle
		assert.Equal(t, 1, m.Len())
	})

	t.Run("clear", func(t *testing.T) {
		rev := m.Revision()
		m.Clear()
		assert.Zero(t, m.Len())
		assert.Greater(t, m.Revision(), rev)
		rev = m.Revision()
		m.Clear()
		assert.Equal(t, rev, m.Revision())
	})
}

func TestMapping_targetsStayUnique(t *testing.T) {
	columns := []string{"a", "b", "c", "d", "e"}
	targets := []TargetField{"", FieldExternalID, FieldTitle, FieldCategory, FieldModuleTitle}
	rnd := rand.New(rand.NewSource(42))

	m := NewMapping()
	for i := 0; i < 2000; i++ {
		m.Set(columns[rnd.Intn(len(columns))], targets[rnd.Intn(len(targets))])

		snap := m.Snapshot()
		seen := make(map[TargetField]string)
		for col, target := range snap {
			prev, dup := seen[target]
			require.Falsef(t, dup, "step %d: %s mapped by %s and %s", i, target, prev, col)
			seen[target] = col

			back, ok := m.ColumnFor(target)
			require.True(t, ok)
			require.Equal(t, col, back)
		}
		require.Equal(t, len(snap), m.Len())
	}
}

func TestMissingRequired(t *testing.T) {
	tests := []struct {
		name    string
		mapping FieldMapping
		want    []TargetField
	}{
		{name: "nothing mapped", mapping: FieldMapping{}, want: []TargetField{FieldExternalID, FieldTitle}},
		{name: "course complete", mapping: FieldMapping{"id": FieldExternalID, "name": FieldTitle}},
		{
			name:    "module field pulls in module requirements",
			mapping: FieldMapping{"id": FieldExternalID, "name": FieldTitle, "url": FieldModuleContentURL},
			want:    []TargetField{FieldModuleExternalID, FieldModuleTitle},
		},
		{
			name:    "everything required",
			mapping: FieldMapping{"t": FieldModuleTitle},
			want:    []TargetField{FieldExternalID, FieldTitle, FieldModuleExternalID},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MissingRequired(tt.mapping))
		})
	}
}

func TestFieldMapping_Targets(t *testing.T) {
	fm := FieldMapping{"b": FieldTitle, "a": FieldCategory, "c": FieldExternalID}
	assert.Equal(t, []TargetField{FieldCategory, FieldExternalID, FieldTitle}, fm.Targets())
}

func TestTargetField(t *testing.T) {
	assert.True(t, FieldModuleOrderIndex.Valid())
	assert.Equal(t, GroupModule, FieldModuleOrderIndex.Group())
	assert.Equal(t, GroupCourse, FieldStatus.Group())
	assert.False(t, TargetField("price").Valid())

	def, ok := LookupField(FieldTitle)
	assert.True(t, ok)
	assert.True(t, def.Required)
}
