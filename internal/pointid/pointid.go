// Package pointid derives the 128-bit identifiers used for every point in
// the vector collection. A point's id is a pure function of its referent:
// the leading 32 bits carry the namespace tag, the remaining 96 bits encode
// the domain key. Determinism is what makes upserts idempotent and cascades
// convergent, so nothing in this package may read a clock or a RNG.
package pointid

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Namespace identifies which of the four point families an id belongs to.
type Namespace uint32

const (
	// NamespaceData tags points that mirror one upstream record.
	NamespaceData Namespace = 0xDA7A0001
	// NamespaceSchema tags points that describe one registry field.
	NamespaceSchema Namespace = 0x5C4E0002
	// NamespaceGraph tags FK relationship edges.
	NamespaceGraph Namespace = 0x6B9F0003
	// NamespaceKnowledge tags derived knowledge items.
	NamespaceKnowledge Namespace = 0x4E0D0004
)

// RelationKind is the FK relation discriminator carried inside graph ids.
type RelationKind uint8

const (
	RelationSingle  RelationKind = 1 // many2one
	RelationMulti   RelationKind = 2 // many2many
	RelationReverse RelationKind = 3 // one2many
)

// String returns the payload spelling of the relation kind.
func (k RelationKind) String() string {
	switch k {
	case RelationSingle:
		return "single"
	case RelationMulti:
		return "multi"
	case RelationReverse:
		return "reverse"
	}
	return fmt.Sprintf("relation(%d)", uint8(k))
}

// ParseRelationKind is the inverse of RelationKind.String.
func ParseRelationKind(s string) (RelationKind, error) {
	switch s {
	case "single", "many2one":
		return RelationSingle, nil
	case "multi", "many2many":
		return RelationMulti, nil
	case "reverse", "one2many":
		return RelationReverse, nil
	}
	return 0, fmt.Errorf("unknown relation kind %q", s)
}

const (
	// record ids, field ids and knowledge items occupy 48 bits.
	max48 = (1 << 48) - 1

	// schemaLevelTag is the fixed level marker in schema-namespace ids.
	schemaLevelTag uint32 = 0x00000001
)

func (n Namespace) String() string {
	switch n {
	case NamespaceData:
		return "data"
	case NamespaceSchema:
		return "schema"
	case NamespaceGraph:
		return "graph"
	case NamespaceKnowledge:
		return "knowledge"
	}
	return fmt.Sprintf("namespace(0x%08X)", uint32(n))
}

// put48 writes the low 48 bits of v into b[0:6] big-endian.
func put48(b []byte, v uint64) {
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

func get48(b []byte) uint64 {
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}

// Data derives the id for the data point of (model, record).
// Layout: namespace(32) | model-id(16) | reserved(32, zero) | record-id(48).
func Data(modelID uint16, recordID uint64) uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:4], uint32(NamespaceData))
	binary.BigEndian.PutUint16(u[4:6], modelID)
	// u[6:10] reserved, zero
	put48(u[10:16], recordID&max48)
	return u
}

// Schema derives the id for a schema field point.
// Layout: namespace(32) | level tag(32) | reserved(16, zero) | field-id(48).
func Schema(fieldID uint64) uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:4], uint32(NamespaceSchema))
	binary.BigEndian.PutUint32(u[4:8], schemaLevelTag)
	put48(u[10:16], fieldID&max48)
	return u
}

// Graph derives the id of the edge (source-model, field, target-model, kind).
// Layout: namespace(32) | source(16) | target(16) | relation(8) | zero(8) | field-id(48).
func Graph(sourceModelID, targetModelID uint16, kind RelationKind, fieldID uint64) uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:4], uint32(NamespaceGraph))
	binary.BigEndian.PutUint16(u[4:6], sourceModelID)
	binary.BigEndian.PutUint16(u[6:8], targetModelID)
	u[8] = byte(kind)
	put48(u[10:16], fieldID&max48)
	return u
}

// Knowledge derives the id of a knowledge item.
// Layout: namespace(32) | level(16) | model(16) | reserved(16, zero) | item(48).
func Knowledge(level, modelID uint16, item uint64) uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:4], uint32(NamespaceKnowledge))
	binary.BigEndian.PutUint16(u[4:6], level)
	binary.BigEndian.PutUint16(u[6:8], modelID)
	put48(u[10:16], item&max48)
	return u
}

// NamespaceOf inspects the leading 32 bits. Clients must treat everything
// past the namespace as opaque unless they hold the matching parser.
func NamespaceOf(u uuid.UUID) Namespace {
	return Namespace(binary.BigEndian.Uint32(u[0:4]))
}

// DataKey is the parsed domain key of a data-namespace id.
type DataKey struct {
	ModelID  uint16
	RecordID uint64
}

// ParseData is the inverse of Data.
func ParseData(u uuid.UUID) (DataKey, error) {
	if ns := NamespaceOf(u); ns != NamespaceData {
		return DataKey{}, fmt.Errorf("not a data id: namespace is %s", ns)
	}
	return DataKey{
		ModelID:  binary.BigEndian.Uint16(u[4:6]),
		RecordID: get48(u[10:16]),
	}, nil
}

// SchemaKey is the parsed domain key of a schema-namespace id.
type SchemaKey struct {
	FieldID uint64
}

// ParseSchema is the inverse of Schema.
func ParseSchema(u uuid.UUID) (SchemaKey, error) {
	if ns := NamespaceOf(u); ns != NamespaceSchema {
		return SchemaKey{}, fmt.Errorf("not a schema id: namespace is %s", ns)
	}
	if tag := binary.BigEndian.Uint32(u[4:8]); tag != schemaLevelTag {
		return SchemaKey{}, fmt.Errorf("unknown schema level tag 0x%08X", tag)
	}
	return SchemaKey{FieldID: get48(u[10:16])}, nil
}

// GraphKey is the parsed domain key of a graph-namespace id.
type GraphKey struct {
	SourceModelID uint16
	TargetModelID uint16
	Kind          RelationKind
	FieldID       uint64
}

// ParseGraph is the inverse of Graph.
func ParseGraph(u uuid.UUID) (GraphKey, error) {
	if ns := NamespaceOf(u); ns != NamespaceGraph {
		return GraphKey{}, fmt.Errorf("not a graph id: namespace is %s", ns)
	}
	return GraphKey{
		SourceModelID: binary.BigEndian.Uint16(u[4:6]),
		TargetModelID: binary.BigEndian.Uint16(u[6:8]),
		Kind:          RelationKind(u[8]),
		FieldID:       get48(u[10:16]),
	}, nil
}

// KnowledgeKey is the parsed domain key of a knowledge-namespace id.
type KnowledgeKey struct {
	Level   uint16
	ModelID uint16
	Item    uint64
}

// ParseKnowledge is the inverse of Knowledge.
func ParseKnowledge(u uuid.UUID) (KnowledgeKey, error) {
	if ns := NamespaceOf(u); ns != NamespaceKnowledge {
		return KnowledgeKey{}, fmt.Errorf("not a knowledge id: namespace is %s", ns)
	}
	return KnowledgeKey{
		Level:   binary.BigEndian.Uint16(u[4:6]),
		ModelID: binary.BigEndian.Uint16(u[6:8]),
		Item:    get48(u[10:16]),
	}, nil
}
