// Package ident parses, orders, and formats the hierarchical identifiers used
// by the Zettelkasten archive (e.g. "ZK_1_NB_1-5A1c3_V"). An identifier is a
// sequence of typed segments: numeric runs, lowercase-letter runs, and
// uppercase-letter runs, separated by "-" and "_" delimiters, optionally
// carrying a trailing "_V" version tag. Parsing preserves every input byte so
// that Format reproduces the original string exactly.
package ident

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind classifies a parsed part of an identifier.
type Kind uint8

// Part kinds. KindDelim parts take no role in ordering; they exist only so
// Format can reproduce the source string byte-for-byte.
const (
	KindDelim Kind = iota
	KindNumber
	KindLower
	KindUpper
)

// VersionTag is the recognized trailing suffix on archive identifiers.
const VersionTag = "_V"

// Segment is one maximal run of a single character class.
type Segment struct {
	Kind Kind
	// Text is the run exactly as it appeared, leading zeros included.
	Text string
	// Num holds the numeric value when Kind is KindNumber.
	Num uint64
}

// Identifier is a parsed hierarchical identifier. The zero value is invalid;
// obtain one via Parse.
type Identifier struct {
	parts  []Segment
	suffix string
}

// ParseError reports a raw string that does not fit the identifier grammar.
// It is a reportable anomaly, not a programming error: callers are expected
// to log it and exclude the string from the universe.
type ParseError struct {
	Raw string
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse identifier %q: %s at offset %d", e.Raw, e.Msg, e.Pos)
}

func classify(b byte) Kind {
	switch {
	case b >= '0' && b <= '9':
		return KindNumber
	case b >= 'a' && b <= 'z':
		return KindLower
	case b >= 'A' && b <= 'Z':
		return KindUpper
	default:
		return KindDelim
	}
}

func isDelim(b byte) bool {
	return b == '-' || b == '_'
}

// Parse tokenizes raw into typed segments. It fails with *ParseError when the
// string is empty, contains a character outside the grammar, or holds a
// numeric run too large to compare numerically.
func Parse(raw string) (Identifier, error) {
	if raw == "" {
		return Identifier{}, &ParseError{Raw: raw, Msg: "empty identifier"}
	}

	body := raw
	suffix := ""
	if strings.HasSuffix(raw, VersionTag) && len(raw) > len(VersionTag) {
		body = raw[:len(raw)-len(VersionTag)]
		suffix = VersionTag
	}

	id := Identifier{suffix: suffix}
	for i := 0; i < len(body); {
		b := body[i]
		kind := classify(b)
		if kind == KindDelim && !isDelim(b) {
			return Identifier{}, &ParseError{Raw: raw, Pos: i, Msg: fmt.Sprintf("unexpected character %q", b)}
		}
		j := i + 1
		for j < len(body) && classify(body[j]) == kind {
			if kind == KindDelim && !isDelim(body[j]) {
				break
			}
			j++
		}
		seg := Segment{Kind: kind, Text: body[i:j]}
		if kind == KindNumber {
			n, err := strconv.ParseUint(seg.Text, 10, 64)
			if err != nil {
				return Identifier{}, &ParseError{Raw: raw, Pos: i, Msg: fmt.Sprintf("numeric run %q out of range", seg.Text)}
			}
			seg.Num = n
		}
		id.parts = append(id.parts, seg)
		i = j
	}
	return id, nil
}

// MustParse parses raw and panics on error. Intended for tests and constants.
func MustParse(raw string) Identifier {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// Format reassembles the identifier into its original string form. It is the
// exact inverse of Parse: Format(Parse(s)) == s for every valid s.
func (id Identifier) Format() string {
	var sb strings.Builder
	for _, p := range id.parts {
		sb.WriteString(p.Text)
	}
	sb.WriteString(id.suffix)
	return sb.String()
}

// String implements fmt.Stringer via Format.
func (id Identifier) String() string { return id.Format() }

// Suffix returns the trailing version tag, or "" when absent.
func (id Identifier) Suffix() string { return id.suffix }

// Segments returns the ordering-relevant segments in source order, with
// delimiter runs removed.
func (id Identifier) Segments() []Segment {
	out := make([]Segment, 0, len(id.parts))
	for _, p := range id.parts {
		if p.Kind != KindDelim {
			out = append(out, p)
		}
	}
	return out
}

// IsZero reports whether the identifier was never parsed.
func (id Identifier) IsZero() bool { return len(id.parts) == 0 }

// FoldKey derives the case-folded, delimiter-insensitive collision key used
// for duplicate-anomaly detection. Distinct raw spellings sharing a FoldKey
// ("a_1" and "A_1", "1-1" and "1_1") denote the same archive entity reached by
// different spellings; they are flagged, never merged. FoldKey must not be
// used for ordering.
func (id Identifier) FoldKey() string {
	var sb strings.Builder
	for _, s := range id.Segments() {
		if sb.Len() > 0 {
			sb.WriteByte('.')
		}
		if s.Kind == KindNumber {
			sb.WriteString(strconv.FormatUint(s.Num, 10))
		} else {
			sb.WriteString(strings.ToLower(s.Text))
		}
	}
	return sb.String()
}
