package util

import "testing"

func TestHashBytesMatchesHashString(t *testing.T) {
	seed := GenerateSeed()
	for _, k := range []string{"", "a", "key-1", "a much longer key with spaces"} {
		if HashBytes([]byte(k), seed) != HashString(k, seed) {
			t.Errorf("hash mismatch for %q", k)
		}
		if HashBytes([]byte(k), seed) == 0 {
			t.Errorf("hash for %q must not be 0", k)
		}
	}
}

func TestHashBytesSeed(t *testing.T) {
	if HashBytes([]byte("key"), 1) == HashBytes([]byte("key"), 2) {
		t.Error("different seeds should give different hashes")
	}
}

func TestInt64Encoding(t *testing.T) {
	b := EncodeInt64(-42)
	if DecodeInt64(b) != -42 {
		t.Errorf("expected -42, got %d", DecodeInt64(b))
	}
	if !PutInt64(b, 7) || DecodeInt64(b) != 7 {
		t.Errorf("in place update failed")
	}
	if PutInt64([]byte{1}, 1) {
		t.Error("PutInt64 on a short slice should fail")
	}
	if DecodeInt64([]byte{1, 2}) != 0 {
		t.Error("short slice should decode to 0")
	}
}
