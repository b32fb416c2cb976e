package catalog

import (
	"fmt"
	"slices"
	"strings"
)

// Kind tags catalog entries. The values are part of the on-disk format.
type Kind uint8

const (
	KindInvalid           Kind = 0
	KindTable             Kind = 1
	KindSchema            Kind = 2
	KindTableFunction     Kind = 3
	KindScalarFunction    Kind = 4
	KindView              Kind = 5
	KindIndex             Kind = 6
	KindUpdatedEntry      Kind = 10
	KindDeletedEntry      Kind = 11
	KindPreparedStatement Kind = 12
	KindSequence          Kind = 13
)

func (k Kind) String() string {
	switch k {
	case KindTable:
		return "table"
	case KindSchema:
		return "schema"
	case KindTableFunction:
		return "table function"
	case KindScalarFunction:
		return "scalar function"
	case KindView:
		return "view"
	case KindIndex:
		return "index"
	case KindUpdatedEntry:
		return "updated entry"
	case KindDeletedEntry:
		return "deleted entry"
	case KindPreparedStatement:
		return "prepared statement"
	case KindSequence:
		return "sequence"
	default:
		return fmt.Sprintf("invalid(%d)", uint8(k))
	}
}

// ParseKind accepts the names printed by Kind.String, with '_' for spaces.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{
		KindTable,
		KindSchema,
		KindTableFunction,
		KindScalarFunction,
		KindView,
		KindIndex,
		KindSequence,
	} {
		name := k.String()
		if s == name || s == strings.ReplaceAll(name, " ", "_") {
			return k, nil
		}
	}
	return KindInvalid, fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// QualifiedName identifies an object inside a schema. Schemas themselves
// have an empty Schema.
type QualifiedName struct {
	Schema string
	Name   string
}

func (n QualifiedName) String() string {
	if n.Schema == "" {
		return n.Name
	}
	return n.Schema + "." + n.Name
}

// Payload is the kind specific part of an entry: one of *SchemaInfo,
// *TableInfo, *ViewInfo, *IndexInfo, *SequenceInfo or *FunctionInfo.
// Payloads are never modified after the entry is published.
type Payload interface {
	isPayload()
}

// SchemaInfo carries the object sets of a schema. Every version of one
// schema shares them.
type SchemaInfo struct {
	sets *schemaSets
}

type ColumnDefinition struct {
	Name     string
	Type     string
	Nullable bool
	Default  *string
}

type TableInfo struct {
	Columns []ColumnDefinition
	Comment *string
}

type ViewInfo struct {
	Query   string
	Aliases []string
}

type IndexInfo struct {
	Table   string
	Columns []string
	Unique  bool
}

type SequenceInfo struct {
	Start     int64
	Increment int64
	Min       int64
	Max       int64
	Cycle     bool
}

type FunctionInfo struct {
	Arguments  []string
	ReturnType string
	Body       string
}

func (*SchemaInfo) isPayload()   {}
func (*TableInfo) isPayload()    {}
func (*ViewInfo) isPayload()     {}
func (*IndexInfo) isPayload()    {}
func (*SequenceInfo) isPayload() {}
func (*FunctionInfo) isPayload() {}

func checkPayload(kind Kind, p Payload) error {
	var ok bool
	switch kind {
	case KindSchema:
		_, ok = p.(*SchemaInfo)
	case KindTable:
		_, ok = p.(*TableInfo)
	case KindView:
		_, ok = p.(*ViewInfo)
	case KindIndex:
		_, ok = p.(*IndexInfo)
	case KindSequence:
		_, ok = p.(*SequenceInfo)
	case KindTableFunction, KindScalarFunction:
		_, ok = p.(*FunctionInfo)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidKind, kind)
	}
	if !ok {
		return fmt.Errorf("%w: %T payload for a %s", ErrInvalidKind, p, kind)
	}
	return nil
}

func (t *TableInfo) column(name string) int {
	return slices.IndexFunc(t.Columns, func(c ColumnDefinition) bool { return c.Name == name })
}

type OnConflict uint8

const (
	ErrorOnConflict OnConflict = iota
	// IgnoreOnConflict returns the existing entry (IF NOT EXISTS).
	IgnoreOnConflict
)

type CreateInfo struct {
	Kind       Kind
	Schema     string
	Name       string
	OnConflict OnConflict
	Internal   bool
	Payload    Payload
	// objects this one refers to; an index refers to its table implicitly
	Dependencies []QualifiedName
}

type DropInfo struct {
	Kind     Kind
	Schema   string
	Name     string
	IfExists bool
	Cascade  bool
}

type AlterType uint8

const (
	AlterInvalid AlterType = iota
	AlterRenameColumn
	AlterAddColumn
	AlterRemoveColumn
	AlterSetComment
)

func (t AlterType) String() string {
	switch t {
	case AlterRenameColumn:
		return "rename column"
	case AlterAddColumn:
		return "add column"
	case AlterRemoveColumn:
		return "remove column"
	case AlterSetComment:
		return "set comment"
	default:
		return "invalid"
	}
}

type AlterInfo struct {
	Type   AlterType
	Kind   Kind
	Schema string
	Name   string

	// RenameColumn, RemoveColumn
	Column string
	// RenameColumn
	NewName string
	// AddColumn
	Definition *ColumnDefinition
	// SetComment, nil clears the comment
	Comment *string
}

// alter produces the payload of the next version. The current payload is
// left untouched, older snapshots keep reading it.
func (info *AlterInfo) alter(kind Kind, p Payload) (Payload, error) {
	table, ok := p.(*TableInfo)
	if kind != KindTable || !ok {
		return nil, fmt.Errorf("%w: %s on a %s", ErrUnsupportedAlter, info.Type, kind)
	}

	next := &TableInfo{
		Columns: slices.Clone(table.Columns),
		Comment: table.Comment,
	}

	switch info.Type {
	case AlterRenameColumn:
		i := next.column(info.Column)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrColumnNotFound, info.Column)
		}
		if next.column(info.NewName) >= 0 {
			return nil, fmt.Errorf("%w: %s", ErrColumnExists, info.NewName)
		}
		next.Columns[i].Name = info.NewName
	case AlterAddColumn:
		if info.Definition == nil {
			return nil, fmt.Errorf("%w: add column without a definition", ErrUnsupportedAlter)
		}
		if next.column(info.Definition.Name) >= 0 {
			return nil, fmt.Errorf("%w: %s", ErrColumnExists, info.Definition.Name)
		}
		next.Columns = append(next.Columns, *info.Definition)
	case AlterRemoveColumn:
		i := next.column(info.Column)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrColumnNotFound, info.Column)
		}
		next.Columns = slices.Delete(next.Columns, i, i+1)
	case AlterSetComment:
		next.Comment = info.Comment
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlter, info.Type)
	}
	return next, nil
}
