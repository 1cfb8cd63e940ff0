package ident

import (
	"bytes"
	"encoding/binary"
	"sort"
	"strings"
)

// Order-key wire bytes. Numeric segments sort before letter runs and
// lowercase runs before uppercase runs because the kind bytes are chosen in
// that order. The letter-run terminator is the lowest byte so a shorter run,
// and a shorter identifier, always sorts before its extensions.
const (
	keyRunEnd byte = 0x00
	keyNumber byte = 0x01
	keyLower  byte = 0x02
	keyUpper  byte = 0x03
)

// OrderKey derives the canonical total-order key. Keys compare bytewise:
// bytes.Compare(a.OrderKey(), b.OrderKey()) yields the archive ordering
// without re-parsing. Numeric segments compare by value (leading zeros do not
// participate), letter runs lexicographically, and a parent identifier's key
// is a strict prefix of each child's key. The version tag is excluded; two
// spellings differing only in the tag share a key and are ordered by Compare's
// raw-string tie break.
func (id Identifier) OrderKey() []byte {
	key := make([]byte, 0, len(id.parts)*3)
	for _, s := range id.parts {
		switch s.Kind {
		case KindNumber:
			key = append(key, keyNumber)
			key = binary.BigEndian.AppendUint64(key, s.Num)
		case KindLower:
			key = append(key, keyLower)
			key = append(key, s.Text...)
			key = append(key, keyRunEnd)
		case KindUpper:
			key = append(key, keyUpper)
			key = append(key, s.Text...)
			key = append(key, keyRunEnd)
		}
	}
	return key
}

// Compare orders a before b per the canonical archive ordering. The relation
// is total, antisymmetric, and transitive; identifiers with equal keys fall
// back to byte order of their formatted strings so that distinct spellings
// never compare equal.
func Compare(a, b Identifier) int {
	if c := bytes.Compare(a.OrderKey(), b.OrderKey()); c != 0 {
		return c
	}
	return strings.Compare(a.Format(), b.Format())
}

// Less reports whether a sorts strictly before b.
func Less(a, b Identifier) bool { return Compare(a, b) < 0 }

// Sort orders ids in place by the canonical ordering.
func Sort(ids []Identifier) {
	sort.Slice(ids, func(i, j int) bool { return Compare(ids[i], ids[j]) < 0 })
}
