package catalog

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/Blackdeer1524/carapacedb/src/pkg/common"
	"github.com/Blackdeer1524/carapacedb/src/pkg/serialize"
)

func writeQualifiedName(s *serialize.Serializer, n QualifiedName) error {
	if err := s.WriteString(n.Schema); err != nil {
		return err
	}
	return s.WriteString(n.Name)
}

func readQualifiedName(d *serialize.Deserializer) (QualifiedName, error) {
	schema, err := d.ReadString()
	if err != nil {
		return QualifiedName{}, err
	}
	name, err := d.ReadString()
	if err != nil {
		return QualifiedName{}, err
	}
	return QualifiedName{Schema: schema, Name: name}, nil
}

func writeColumn(s *serialize.Serializer, c ColumnDefinition) error {
	if err := s.WriteString(c.Name); err != nil {
		return err
	}
	if err := s.WriteString(c.Type); err != nil {
		return err
	}
	s.WriteBool(c.Nullable)
	return serialize.WriteOptionalString(s, c.Default)
}

func readColumn(d *serialize.Deserializer) (ColumnDefinition, error) {
	var (
		c   ColumnDefinition
		err error
	)
	if c.Name, err = d.ReadString(); err != nil {
		return c, err
	}
	if c.Type, err = d.ReadString(); err != nil {
		return c, err
	}
	if c.Nullable, err = d.ReadBool(); err != nil {
		return c, err
	}
	c.Default, err = serialize.ReadOptionalString(d)
	return c, err
}

func writePayload(s *serialize.Serializer, kind Kind, p Payload) error {
	switch kind {
	case KindSchema:
		return nil
	case KindTable:
		t := p.(*TableInfo)
		if err := serialize.WriteList(s, t.Columns, writeColumn); err != nil {
			return err
		}
		return serialize.WriteOptionalString(s, t.Comment)
	case KindView:
		v := p.(*ViewInfo)
		if err := s.WriteString(v.Query); err != nil {
			return err
		}
		return serialize.WriteStringList(s, v.Aliases)
	case KindIndex:
		i := p.(*IndexInfo)
		if err := s.WriteString(i.Table); err != nil {
			return err
		}
		if err := serialize.WriteStringList(s, i.Columns); err != nil {
			return err
		}
		s.WriteBool(i.Unique)
		return nil
	case KindSequence:
		seq := p.(*SequenceInfo)
		s.WriteInt64(seq.Start)
		s.WriteInt64(seq.Increment)
		s.WriteInt64(seq.Min)
		s.WriteInt64(seq.Max)
		s.WriteBool(seq.Cycle)
		return nil
	case KindTableFunction, KindScalarFunction:
		f := p.(*FunctionInfo)
		if err := serialize.WriteStringList(s, f.Arguments); err != nil {
			return err
		}
		if err := s.WriteString(f.ReturnType); err != nil {
			return err
		}
		return s.WriteString(f.Body)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidKind, kind)
	}
}

func readPayload(d *serialize.Deserializer, kind Kind) (Payload, error) {
	var err error
	switch kind {
	case KindSchema:
		return &SchemaInfo{}, nil
	case KindTable:
		t := &TableInfo{}
		if t.Columns, err = serialize.ReadList(d, readColumn); err != nil {
			return nil, err
		}
		t.Comment, err = serialize.ReadOptionalString(d)
		return t, err
	case KindView:
		v := &ViewInfo{}
		if v.Query, err = d.ReadString(); err != nil {
			return nil, err
		}
		v.Aliases, err = serialize.ReadStringList(d)
		return v, err
	case KindIndex:
		i := &IndexInfo{}
		if i.Table, err = d.ReadString(); err != nil {
			return nil, err
		}
		if i.Columns, err = serialize.ReadStringList(d); err != nil {
			return nil, err
		}
		i.Unique, err = d.ReadBool()
		return i, err
	case KindSequence:
		seq := &SequenceInfo{}
		for _, v := range []*int64{&seq.Start, &seq.Increment, &seq.Min, &seq.Max} {
			if *v, err = d.ReadInt64(); err != nil {
				return nil, err
			}
		}
		seq.Cycle, err = d.ReadBool()
		return seq, err
	case KindTableFunction, KindScalarFunction:
		f := &FunctionInfo{}
		if f.Arguments, err = serialize.ReadStringList(d); err != nil {
			return nil, err
		}
		if f.ReturnType, err = d.ReadString(); err != nil {
			return nil, err
		}
		f.Body, err = d.ReadString()
		return f, err
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidKind, kind)
	}
}

// writeCreateInfo is the format of both checkpointed entries and create
// log records.
func writeCreateInfo(s *serialize.Serializer, info CreateInfo) error {
	s.WriteUint8(uint8(info.Kind))
	if err := s.WriteString(info.Schema); err != nil {
		return err
	}
	if err := s.WriteString(info.Name); err != nil {
		return err
	}
	s.WriteBool(info.Internal)
	if err := serialize.WriteList(s, info.Dependencies, writeQualifiedName); err != nil {
		return err
	}
	return writePayload(s, info.Kind, info.Payload)
}

func readCreateInfo(d *serialize.Deserializer) (CreateInfo, error) {
	var info CreateInfo

	kind, err := d.ReadUint8()
	if err != nil {
		return info, err
	}
	info.Kind = Kind(kind)
	if info.Schema, err = d.ReadString(); err != nil {
		return info, err
	}
	if info.Name, err = d.ReadString(); err != nil {
		return info, err
	}
	if info.Internal, err = d.ReadBool(); err != nil {
		return info, err
	}
	if info.Dependencies, err = serialize.ReadList(d, readQualifiedName); err != nil {
		return info, err
	}
	info.Payload, err = readPayload(d, info.Kind)
	return info, err
}

func createInfoOf(e *Entry) CreateInfo {
	return CreateInfo{
		Kind:         e.Kind,
		Schema:       e.Schema,
		Name:         e.Name,
		Internal:     e.Internal,
		Payload:      e.Payload,
		Dependencies: e.Dependencies,
	}
}

func encodeCreateRecord(info CreateInfo) (common.LogRecord, error) {
	s := serialize.NewSerializer()
	if err := writeCreateInfo(s, info); err != nil {
		return common.LogRecord{}, err
	}
	return common.LogRecord{Type: common.LogRecordCreateEntry, Payload: s.Bytes()}, nil
}

func encodeDropRecord(kind Kind, schema, name string) (common.LogRecord, error) {
	s := serialize.NewSerializer()
	s.WriteUint8(uint8(kind))
	if err := writeQualifiedName(s, QualifiedName{Schema: schema, Name: name}); err != nil {
		return common.LogRecord{}, err
	}
	return common.LogRecord{Type: common.LogRecordDropEntry, Payload: s.Bytes()}, nil
}

func decodeDropRecord(payload []byte) (Kind, QualifiedName, error) {
	d := serialize.NewDeserializer(payload)
	kind, err := d.ReadUint8()
	if err != nil {
		return KindInvalid, QualifiedName{}, err
	}
	n, err := readQualifiedName(d)
	return Kind(kind), n, err
}

func encodeAlterRecord(info *AlterInfo) (common.LogRecord, error) {
	s := serialize.NewSerializer()
	s.WriteUint8(uint8(info.Type))
	s.WriteUint8(uint8(info.Kind))
	for _, v := range []string{info.Schema, info.Name, info.Column, info.NewName} {
		if err := s.WriteString(v); err != nil {
			return common.LogRecord{}, err
		}
	}
	if err := serialize.WriteOptional(s, info.Definition, writeColumn); err != nil {
		return common.LogRecord{}, err
	}
	if err := serialize.WriteOptionalString(s, info.Comment); err != nil {
		return common.LogRecord{}, err
	}
	return common.LogRecord{Type: common.LogRecordAlterEntry, Payload: s.Bytes()}, nil
}

func decodeAlterRecord(payload []byte) (AlterInfo, error) {
	var info AlterInfo
	d := serialize.NewDeserializer(payload)

	typ, err := d.ReadUint8()
	if err != nil {
		return info, err
	}
	kind, err := d.ReadUint8()
	if err != nil {
		return info, err
	}
	info.Type, info.Kind = AlterType(typ), Kind(kind)

	for _, v := range []*string{&info.Schema, &info.Name, &info.Column, &info.NewName} {
		if *v, err = d.ReadString(); err != nil {
			return info, err
		}
	}
	if info.Definition, err = serialize.ReadOptional(d, readColumn); err != nil {
		return info, err
	}
	info.Comment, err = serialize.ReadOptionalString(d)
	return info, err
}

// Replay applies one catalog log record on behalf of txn.
func (c *Catalog) Replay(txn Transaction, record common.LogRecord) error {
	switch record.Type {
	case common.LogRecordCreateEntry:
		info, err := readCreateInfo(serialize.NewDeserializer(record.Payload))
		if err != nil {
			return fmt.Errorf("create record: %w", err)
		}
		_, err = c.CreateEntry(txn, info)
		return err
	case common.LogRecordDropEntry:
		kind, name, err := decodeDropRecord(record.Payload)
		if err != nil {
			return fmt.Errorf("drop record: %w", err)
		}

		// cascades were logged entry by entry
		c.writeMu.Lock()
		defer c.writeMu.Unlock()

		entry, err := c.lookupAssumeLocked(txn, kind, name.Schema, name.Name)
		if err != nil {
			return err
		}
		return c.dropVersionAssumeLocked(txn, entry)
	case common.LogRecordAlterEntry:
		info, err := decodeAlterRecord(record.Payload)
		if err != nil {
			return fmt.Errorf("alter record: %w", err)
		}
		_, err = c.AlterEntry(txn, info)
		return err
	default:
		return fmt.Errorf("unexpected %s record in the catalog", record.Type)
	}
}

// newestCommitted skips versions of transactions that are still running.
func newestCommitted(e *Entry) *Entry {
	for ; e != nil; e = e.child.Load() {
		if e.Timestamp().IsCommitted() {
			return e
		}
	}
	return nil
}

func committedLive(set *Set) []*Entry {
	heads := *set.heads.Load()

	var out []*Entry
	for _, name := range slices.Sorted(maps.Keys(heads)) {
		if e := newestCommitted(heads[name]); e != nil && !e.Deleted {
			out = append(out, e)
		}
	}
	return out
}

// WriteTo serializes the newest committed state: schemas first, then every
// object in creation order, so that dependencies precede dependents.
func (c *Catalog) WriteTo(s *serialize.Serializer) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var schemas, objects []*Entry
	for _, schema := range committedLive(c.schemas) {
		if !schema.Internal {
			schemas = append(schemas, schema)
		}
		for _, set := range schema.schemaSets().all() {
			objects = append(objects, committedLive(set)...)
		}
	}

	byID := func(a, b *Entry) int { return cmp.Compare(a.ID, b.ID) }
	slices.SortFunc(schemas, byID)
	slices.SortFunc(objects, byID)

	for _, group := range [][]*Entry{schemas, objects} {
		err := serialize.WriteList(s, group, func(s *serialize.Serializer, e *Entry) error {
			return writeCreateInfo(s, createInfoOf(e))
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Load recreates a checkpointed catalog. The loaded entries are visible to
// every transaction.
func (c *Catalog) Load(d *serialize.Deserializer) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	txn := &bootstrapTransaction{}
	defer txn.finish()

	for range 2 {
		infos, err := serialize.ReadList(d, readCreateInfo)
		if err != nil {
			return fmt.Errorf("failed to read catalog: %w", err)
		}
		for _, info := range infos {
			if _, err := c.createEntryAssumeLocked(txn, info); err != nil {
				return fmt.Errorf("failed to load %s %s: %w", info.Kind, QualifiedName{Schema: info.Schema, Name: info.Name}, err)
			}
		}
	}

	c.log.Infow("loaded catalog", "entries", len(txn.entries))
	return nil
}

// Image is the checkpoint image of the catalog.
func (c *Catalog) Image() ([]byte, error) {
	s := serialize.NewSerializer()
	if err := c.WriteTo(s); err != nil {
		return nil, err
	}
	return s.Bytes(), nil
}
