package wire

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	cases := []struct {
		name     string
		frame    []byte
		wantType uint8
		wantSync uint8
	}{
		{"step1", SyncStep1Frame(payload), MessageSync, SyncStep1},
		{"step2", SyncStep2Frame(payload), MessageSync, SyncStep2},
		{"update", SyncUpdateFrame(payload), MessageSync, SyncUpdate},
		{"awareness", AwarenessFrame(payload), MessageAwareness, 0},
	}
	for _, tc := range cases {
		m, err := Parse(tc.frame)
		if err != nil {
			t.Fatalf("%s: Parse: %v", tc.name, err)
		}
		if m.Type != tc.wantType || m.Sync != tc.wantSync {
			t.Errorf("%s: parsed (type %d, sync %d), want (%d, %d)", tc.name, m.Type, m.Sync, tc.wantType, tc.wantSync)
		}
		if !bytes.Equal(m.Payload, payload) {
			t.Errorf("%s: payload = %x, want %x", tc.name, m.Payload, payload)
		}
	}
}

func TestFrameLayoutIsStable(t *testing.T) {
	// Browser clients hand-decode these bytes; the layout is a contract.
	got := SyncStep1Frame([]byte{0x00})
	want := []byte{0x00, 0x00, 0x01, 0x00}
	if !bytes.Equal(got, want) {
		t.Fatalf("step1 frame = %x, want %x", got, want)
	}
	got = AwarenessFrame([]byte{0xaa, 0xbb})
	want = []byte{0x01, 0x02, 0xaa, 0xbb}
	if !bytes.Equal(got, want) {
		t.Fatalf("awareness frame = %x, want %x", got, want)
	}
}

func TestParseEmptyPayload(t *testing.T) {
	m, err := Parse(SyncUpdateFrame(nil))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(m.Payload) != 0 {
		t.Fatalf("payload = %x, want empty", m.Payload)
	}
}

func TestParseMalformed(t *testing.T) {
	cases := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"unknown type", []byte{0x09}},
		{"unknown sync subtype", []byte{0x00, 0x05, 0x00}},
		{"sync missing subtype", []byte{0x00}},
		{"payload shorter than length", []byte{0x00, 0x02, 0x0a, 0x01}},
		{"trailing bytes", append(SyncUpdateFrame([]byte{0x01}), 0xff)},
		{"awareness short payload", []byte{0x01, 0x04, 0x01}},
	}
	for _, tc := range cases {
		if _, err := Parse(tc.frame); err == nil {
			t.Errorf("%s: Parse accepted malformed frame", tc.name)
		}
	}
}
