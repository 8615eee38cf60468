package bitfield

import (
	"bytes"
	"testing"
)

func TestSetHasClear(t *testing.T) {
	b := New(10)

	if b.Has(0) || b.Has(9) {
		t.Fatalf("fresh bitfield should be empty")
	}

	b.Set(0)
	b.Set(9)
	if !b.Has(0) || !b.Has(9) {
		t.Fatalf("set bits not observed")
	}
	if b.Has(1) {
		t.Fatalf("unset bit reported as set")
	}

	b.Clear(0)
	if b.Has(0) {
		t.Fatalf("cleared bit still set")
	}
}

func TestOutOfRangeIsNoOp(t *testing.T) {
	b := New(4)
	b.Set(-1)
	b.Set(100)
	if b.Count() != 0 {
		t.Fatalf("out-of-range Set mutated bitfield: count=%d", b.Count())
	}
	if b.Has(-1) || b.Has(100) {
		t.Fatalf("out-of-range Has returned true")
	}
}

func TestShortFinalPieceLayout(t *testing.T) {
	// piece_length=4, content="ABCDE" -> 2 pieces; complete bitfield is
	// 1 byte = 0b11000000.
	b := New(2)
	b.Set(0)
	b.Set(1)

	want := []byte{0b11000000}
	if got := b.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("Bytes() = %08b, want %08b", got, want)
	}
}

func TestTrailingBitsZeroedOnSend(t *testing.T) {
	raw := []byte{0xFF}
	b := FromBytes(raw, 3)

	got := b.Bytes()
	want := byte(0b11100000)
	if got[0] != want {
		t.Fatalf("Bytes()[0] = %08b, want %08b", got[0], want)
	}
}

func TestFromBytes_TrailingBitsIgnoredOnReceive(t *testing.T) {
	// Trailing garbage bits beyond count must not affect Has/Count.
	b := FromBytes([]byte{0b10000111}, 3)
	if !b.Has(0) || b.Has(1) || b.Has(2) {
		t.Fatalf("unexpected bit state: %+v", b)
	}
	if b.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", b.Count())
	}
}

func TestAllNone(t *testing.T) {
	b := New(3)
	if !b.None() || b.All() {
		t.Fatalf("fresh bitfield should be None and not All")
	}
	b.Set(0)
	b.Set(1)
	b.Set(2)
	if !b.All() || b.None() {
		t.Fatalf("full bitfield should be All and not None")
	}
}

func TestClone_Independent(t *testing.T) {
	b := New(4)
	b.Set(1)

	c := b.Clone()
	c.Set(2)

	if b.Has(2) {
		t.Fatalf("mutating clone affected original")
	}
	if !c.Has(1) || !c.Has(2) {
		t.Fatalf("clone missing expected bits")
	}
}

func TestGrow_PreservesBitsAndExtendsRange(t *testing.T) {
	b := New(4)
	b.Set(2)

	b.Grow(20)
	if b.Len() != 20 {
		t.Fatalf("Len() = %d, want 20", b.Len())
	}
	if !b.Has(2) {
		t.Fatalf("Grow lost existing bit")
	}

	b.Set(19)
	if !b.Has(19) {
		t.Fatalf("newly-grown range not settable")
	}
}

func TestGrow_Shrinking_IsNoOp(t *testing.T) {
	b := New(10)
	b.Grow(4)
	if b.Len() != 10 {
		t.Fatalf("Grow shrank bitfield: Len()=%d", b.Len())
	}
}
