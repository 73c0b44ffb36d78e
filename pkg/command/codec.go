package command

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/jvastola/theta/pkg/engine"
)

// Wire format versioning for command batches.
const (
	batchMagic   = "TCMD"
	batchVersion = uint16(1)
)

// SigningBytes renders the entry's signed fields deterministically. The
// signature covers everything except itself.
func (e *Entry) SigningBytes() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, e.ID.Lamport)
	binary.Write(&buf, binary.BigEndian, e.ID.Author)
	writeScope(&buf, e.Scope)
	buf.WriteByte(byte(e.RequiredRole))
	buf.WriteByte(byte(e.Strategy))
	binary.Write(&buf, binary.BigEndian, e.Nonce)
	binary.Write(&buf, binary.BigEndian, uint32(len(e.Payload)))
	buf.Write(e.Payload)
	return buf.Bytes()
}

func writeScope(buf *bytes.Buffer, s Scope) {
	buf.WriteByte(byte(s.Kind))
	switch s.Kind {
	case ScopeEntity:
		binary.Write(buf, binary.BigEndian, s.Entity.Index)
		binary.Write(buf, binary.BigEndian, s.Entity.Generation)
	case ScopeTool:
		binary.Write(buf, binary.BigEndian, s.Tool)
	}
}

func readScope(r *bytes.Reader) (Scope, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return Scope{}, err
	}
	s := Scope{Kind: ScopeKind(kind)}
	switch s.Kind {
	case ScopeGlobal:
	case ScopeEntity:
		var h engine.Handle
		if err := binary.Read(r, binary.BigEndian, &h.Index); err != nil {
			return Scope{}, err
		}
		if err := binary.Read(r, binary.BigEndian, &h.Generation); err != nil {
			return Scope{}, err
		}
		s.Entity = h
	case ScopeTool:
		if err := binary.Read(r, binary.BigEndian, &s.Tool); err != nil {
			return Scope{}, err
		}
	default:
		return Scope{}, fmt.Errorf("unknown scope kind %d", kind)
	}
	return s, nil
}

// encodeEntry appends the wire form of an entry: signed fields followed by a
// length-prefixed signature.
func encodeEntry(buf *bytes.Buffer, e *Entry) error {
	if len(e.Signature) > 0xFFFF {
		return fmt.Errorf("signature length %d exceeds frame field", len(e.Signature))
	}
	buf.Write(e.SigningBytes())
	binary.Write(buf, binary.BigEndian, uint16(len(e.Signature)))
	buf.Write(e.Signature)
	return nil
}

// decodeEntry reads one wire-form entry.
func decodeEntry(r *bytes.Reader) (*Entry, error) {
	e := &Entry{}
	if err := binary.Read(r, binary.BigEndian, &e.ID.Lamport); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &e.ID.Author); err != nil {
		return nil, err
	}
	scope, err := readScope(r)
	if err != nil {
		return nil, err
	}
	e.Scope = scope

	role, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	e.RequiredRole = Role(role)

	strategy, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	e.Strategy = ConflictStrategy(strategy)

	if err := binary.Read(r, binary.BigEndian, &e.Nonce); err != nil {
		return nil, err
	}

	var payloadLen uint32
	if err := binary.Read(r, binary.BigEndian, &payloadLen); err != nil {
		return nil, err
	}
	if int(payloadLen) > r.Len() {
		return nil, fmt.Errorf("payload length %d exceeds remaining %d", payloadLen, r.Len())
	}
	e.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(r, e.Payload); err != nil {
		return nil, err
	}

	var sigLen uint16
	if err := binary.Read(r, binary.BigEndian, &sigLen); err != nil {
		return nil, err
	}
	if int(sigLen) > r.Len() {
		return nil, fmt.Errorf("signature length %d exceeds remaining %d", sigLen, r.Len())
	}
	e.Signature = make([]byte, sigLen)
	if _, err := io.ReadFull(r, e.Signature); err != nil {
		return nil, err
	}
	return e, nil
}

// Batch is an ordered set of entries drained from the pipeline in one frame.
type Batch struct {
	Sequence uint64
	Entries  []*Entry
}

// Encode renders the batch for transmission.
func (b *Batch) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(batchMagic)
	binary.Write(&buf, binary.BigEndian, batchVersion)
	binary.Write(&buf, binary.BigEndian, b.Sequence)
	binary.Write(&buf, binary.BigEndian, uint32(len(b.Entries)))
	for _, e := range b.Entries {
		if err := encodeEntry(&buf, e); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeBatch parses a batch from wire bytes.
func DecodeBatch(data []byte) (*Batch, error) {
	r := bytes.NewReader(data)
	magic := make([]byte, len(batchMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("read batch magic: %w", err)
	}
	if string(magic) != batchMagic {
		return nil, fmt.Errorf("bad batch magic %q", magic)
	}
	var version uint16
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, err
	}
	if version != batchVersion {
		return nil, fmt.Errorf("unsupported batch version %d", version)
	}
	b := &Batch{}
	if err := binary.Read(r, binary.BigEndian, &b.Sequence); err != nil {
		return nil, err
	}
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	for i := uint32(0); i < count; i++ {
		e, err := decodeEntry(r)
		if err != nil {
			return nil, fmt.Errorf("decode entry %d: %w", i, err)
		}
		b.Entries = append(b.Entries, e)
	}
	return b, nil
}
