package schema

import (
	"fmt"
	"reflect"
	"strings"
	"unicode"
)

// Protected columns can never be set through a patch; the generators manage
// them themselves.
var protectedColumns = map[string]bool{
	"id":         true,
	"created_at": true,
	"updated_at": true,
	"user_id":    true,
	"org_id":     true,
	"editors":    true,
	"deleted_at": true,
	"parent_id":  true,
	"cache_key":  true,
}

// Column describes one settable database column of a document type.
type Column struct {
	Name   string
	Index  []int
	IsFile bool
	Type   reflect.Type
}

// ColumnSet is the column map of a document type, computed once per generator
// at construction. It backs patch sanitizing, file-field detection, and the
// in-memory store's field access.
type ColumnSet struct {
	byName map[string]Column
	files  []Column
}

var fileIDType = reflect.TypeOf(FileID(""))

// ColumnsOf builds the ColumnSet for a document model (a struct or pointer to
// struct).
func ColumnsOf(model any) *ColumnSet {
	t := reflect.TypeOf(model)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		panic(fmt.Sprintf("schema: ColumnsOf requires a struct model, got %s", t.Kind()))
	}
	cs := &ColumnSet{byName: make(map[string]Column)}
	cs.collect(t, nil)
	return cs
}

func (s *ColumnSet) collect(t reflect.Type, prefix []int) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue // unexported
		}
		index := append(append([]int(nil), prefix...), i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			s.collect(f.Type, index)
			continue
		}
		tag := f.Tag.Get("gorm")
		if tag == "-" {
			continue
		}
		name := columnFromTag(tag)
		if name == "" {
			name = ToSnake(f.Name)
		}
		ft := f.Type
		isFile := ft == fileIDType || (ft.Kind() == reflect.Pointer && ft.Elem() == fileIDType)
		col := Column{Name: name, Index: index, IsFile: isFile, Type: ft}
		s.byName[name] = col
		if isFile {
			s.files = append(s.files, col)
		}
	}
}

func columnFromTag(tag string) string {
	for _, part := range strings.Split(tag, ";") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(part), "column:"); ok {
			return v
		}
	}
	return ""
}

// Has reports whether the set contains a column.
func (s *ColumnSet) Has(name string) bool {
	_, ok := s.byName[name]
	return ok
}

// Lookup returns the column descriptor by name.
func (s *ColumnSet) Lookup(name string) (Column, bool) {
	c, ok := s.byName[name]
	return c, ok
}

// FileColumns returns the FileID-typed columns.
func (s *ColumnSet) FileColumns() []Column {
	return s.files
}

// Sanitize strips unknown and protected columns from a patch. Unknown fields
// are dropped, not rejected, mirroring schema-driven argument stripping.
func (s *ColumnSet) Sanitize(patch map[string]any) map[string]any {
	clean := make(map[string]any, len(patch))
	for k, v := range patch {
		if protectedColumns[k] {
			continue
		}
		if _, ok := s.byName[k]; !ok {
			continue
		}
		clean[k] = v
	}
	return clean
}

// Value reads a column's current value from a document.
func (s *ColumnSet) Value(doc any, name string) (any, bool) {
	col, ok := s.byName[name]
	if !ok {
		return nil, false
	}
	v := reflect.ValueOf(doc)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, false
		}
		v = v.Elem()
	}
	return v.FieldByIndex(col.Index).Interface(), true
}

// SetValue writes a column on a document, converting compatible types
// (e.g. string into FileID, int into int64). Incompatible values fail.
func (s *ColumnSet) SetValue(doc any, name string, value any) error {
	col, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("schema: unknown column %q", name)
	}
	v := reflect.ValueOf(doc)
	for v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	field := v.FieldByIndex(col.Index)
	if value == nil {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}
	val := reflect.ValueOf(value)
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) && compatibleKinds(val.Kind(), field.Kind()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	// Non-pointer value into a pointer field.
	if field.Kind() == reflect.Pointer {
		elem := field.Type().Elem()
		if val.Type().AssignableTo(elem) {
			p := reflect.New(elem)
			p.Elem().Set(val)
			field.Set(p)
			return nil
		}
		if val.Type().ConvertibleTo(elem) && compatibleKinds(val.Kind(), elem.Kind()) {
			p := reflect.New(elem)
			p.Elem().Set(val.Convert(elem))
			field.Set(p)
			return nil
		}
	}
	return fmt.Errorf("schema: cannot assign %T to column %q (%s)", value, name, field.Type())
}

// compatibleKinds rejects surprising conversions (e.g. int into string).
func compatibleKinds(from, to reflect.Kind) bool {
	num := func(k reflect.Kind) bool {
		return k >= reflect.Int && k <= reflect.Float64
	}
	str := func(k reflect.Kind) bool {
		return k == reflect.String
	}
	switch {
	case num(from) && num(to):
		return true
	case str(from) && str(to):
		return true
	case from == to:
		return true
	default:
		return false
	}
}

// ToSnake converts a Go field name to its database column name, matching
// gorm's default naming for the common cases (ID -> id, OrgID -> org_id).
func ToSnake(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
