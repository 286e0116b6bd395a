package crdt

import (
	"encoding/binary"
	"errors"
	"math"
	"sort"
	"unicode/utf8"
)

// ErrMalformed reports an update or state vector that cannot be decoded.
// Callers treat it as a protocol error: fatal to the sending session, never
// to the document.
var ErrMalformed = errors.New("crdt: malformed encoding")

// Binary layout, all integers as unsigned LEB128 varints (the lib0 format
// browser clients speak; identical to encoding/binary's Uvarint):
//
//	ops          := varuint(n) op*
//	op           := varuint(site) varuint(counter) byte(kind) body
//	insert body  := varuint(parentSite) varuint(parentCounter) varuint(rune)
//	delete body  := varuint(targetSite) varuint(targetCounter)
//	state vector := varuint(n) (varuint(site) varuint(counter))*

// EncodeOps serializes operations for a snapshot, a handshake diff, or an
// incremental update frame.
func EncodeOps(ops []Op) []byte {
	b := binary.AppendUvarint(nil, uint64(len(ops)))
	for _, op := range ops {
		b = binary.AppendUvarint(b, uint64(op.ID.Site))
		b = binary.AppendUvarint(b, uint64(op.ID.Counter))
		b = append(b, byte(op.Kind))
		switch op.Kind {
		case OpInsert:
			b = binary.AppendUvarint(b, uint64(op.Parent.Site))
			b = binary.AppendUvarint(b, uint64(op.Parent.Counter))
			b = binary.AppendUvarint(b, uint64(op.Rune))
		case OpDelete:
			b = binary.AppendUvarint(b, uint64(op.Target.Site))
			b = binary.AppendUvarint(b, uint64(op.Target.Counter))
		}
	}
	return b
}

// DecodeOps parses an op sequence. Structural damage, reserved identities,
// unknown op kinds, and trailing bytes all yield ErrMalformed.
func DecodeOps(b []byte) ([]Op, error) {
	d := decoder{b: b}
	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	ops := make([]Op, 0, min(int(n), 4096))
	for i := uint64(0); i < n; i++ {
		var op Op
		if op.ID.Site, err = d.u32(); err != nil {
			return nil, err
		}
		if op.ID.Counter, err = d.u32(); err != nil {
			return nil, err
		}
		if op.ID.Site == 0 || op.ID.Counter == 0 {
			return nil, ErrMalformed
		}
		kind, err := d.byte()
		if err != nil {
			return nil, err
		}
		op.Kind = OpKind(kind)
		switch op.Kind {
		case OpInsert:
			if op.Parent.Site, err = d.u32(); err != nil {
				return nil, err
			}
			if op.Parent.Counter, err = d.u32(); err != nil {
				return nil, err
			}
			if op.Parent.Site == 0 && op.Parent.Counter != 0 {
				return nil, ErrMalformed
			}
			r, err := d.u32()
			if err != nil {
				return nil, err
			}
			if !utf8.ValidRune(rune(r)) {
				return nil, ErrMalformed
			}
			op.Rune = rune(r)
		case OpDelete:
			if op.Target.Site, err = d.u32(); err != nil {
				return nil, err
			}
			if op.Target.Counter, err = d.u32(); err != nil {
				return nil, err
			}
			if op.Target.Site == 0 {
				return nil, ErrMalformed
			}
		default:
			return nil, ErrMalformed
		}
		ops = append(ops, op)
	}
	if len(d.b) != 0 {
		return nil, ErrMalformed
	}
	return ops, nil
}

// EncodeStateVector serializes a state vector with sites in ascending order.
func EncodeStateVector(sv StateVector) []byte {
	sites := make([]uint32, 0, len(sv))
	for s := range sv {
		sites = append(sites, s)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i] < sites[j] })
	b := binary.AppendUvarint(nil, uint64(len(sites)))
	for _, s := range sites {
		b = binary.AppendUvarint(b, uint64(s))
		b = binary.AppendUvarint(b, uint64(sv[s]))
	}
	return b
}

// DecodeStateVector parses a state vector.
func DecodeStateVector(b []byte) (StateVector, error) {
	d := decoder{b: b}
	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	sv := make(StateVector, min(int(n), 1024))
	for i := uint64(0); i < n; i++ {
		site, err := d.u32()
		if err != nil {
			return nil, err
		}
		counter, err := d.u32()
		if err != nil {
			return nil, err
		}
		if site == 0 {
			return nil, ErrMalformed
		}
		sv[site] = counter
	}
	if len(d.b) != 0 {
		return nil, ErrMalformed
	}
	return sv, nil
}

type decoder struct {
	b []byte
}

func (d *decoder) uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.b)
	if n <= 0 {
		return 0, ErrMalformed
	}
	d.b = d.b[n:]
	return v, nil
}

func (d *decoder) u32() (uint32, error) {
	v, err := d.uvarint()
	if err != nil {
		return 0, err
	}
	if v > math.MaxUint32 {
		return 0, ErrMalformed
	}
	return uint32(v), nil
}

func (d *decoder) byte() (byte, error) {
	if len(d.b) == 0 {
		return 0, ErrMalformed
	}
	c := d.b[0]
	d.b = d.b[1:]
	return c, nil
}
