package importer

// Mapping associates source columns with target fields, at most one column per target.
// It is not safe for concurrent use; the Workflow serializes access to it.
type Mapping struct {
	byColumn map[string]TargetField
	byTarget map[TargetField]string
	revision uint64
}

func NewMapping() *Mapping {
	return &Mapping{
		byColumn: make(map[string]TargetField),
		byTarget: make(map[TargetField]string),
	}
}

// Set maps column onto target. An empty target unmaps column.
// Any other column currently mapped onto target is unmapped first.
func (m *Mapping) Set(column string, target TargetField) {
	if target == "" {
		m.unmapColumn(column)
		return
	}
	if m.byColumn[column] == target {
		return
	}
	if prev, ok := m.byTarget[target]; ok {
		m.unmapColumn(prev)
	}
	m.unmapColumn(column)
	m.byColumn[column] = target
	m.byTarget[target] = column
	m.revision++
}

func (m *Mapping) unmapColumn(column string) {
	target, ok := m.byColumn[column]
	if !ok {
		return
	}
	delete(m.byColumn, column)
	delete(m.byTarget, target)
	m.revision++
}

// TargetFor returns the target field column is mapped onto.
func (m *Mapping) TargetFor(column string) (TargetField, bool) {
	t, ok := m.byColumn[column]
	return t, ok
}

// ColumnFor returns the column mapped onto target.
func (m *Mapping) ColumnFor(target TargetField) (string, bool) {
	c, ok := m.byTarget[target]
	return c, ok
}

func (m *Mapping) Len() int {
	return len(m.byColumn)
}

// Revision changes every time the mapping does.
func (m *Mapping) Revision() uint64 {
	return m.revision
}

// Snapshot returns a copy of the mapping, safe to hand over to a gateway call.
func (m *Mapping) Snapshot() FieldMapping {
	fm := make(FieldMapping, len(m.byColumn))
	for c, t := range m.byColumn {
		fm[c] = t
	}
	return fm
}

func (m *Mapping) Clear() {
	if len(m.byColumn) == 0 {
		return
	}
	m.byColumn = make(map[string]TargetField)
	m.byTarget = make(map[TargetField]string)
	m.revision++
}
