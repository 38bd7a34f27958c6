package dxhash

import (
	"fmt"
	"testing"
)

func TestHashVectors(t *testing.T) {
	tests := []struct {
		name         string
		version      Version
		major, minor uint32
	}{
		{"", Legacy, 0x2547fc5a, 0},
		{"", HalfMD4, 0xefcdab88, 0x98badcfe},
		{"", TEA, 0x67452300, 0xefcdab89},
		{"a", Legacy, 0xe74b53e2, 0},
		{"a", HalfMD4, 0xd5fa7d7a, 0xacb48187},
		{"a", TEA, 0x6d0ea4c0, 0xc18922df},
		{"hello", Legacy, 0x32252546, 0},
		{"hello", HalfMD4, 0x1746da32, 0x420013b5},
		{"hello", TEA, 0x6f5bb1a8, 0x231917c2},
		{"lost+found", Legacy, 0x5e2aba24, 0},
		{"lost+found", HalfMD4, 0x591de422, 0x6ffc56e0},
		{"lost+found", TEA, 0x2dbf9e80, 0xbfebee4f},
		{"0123456789abcdefghijklmnopqrstuvwxyz", Legacy, 0x4c85884c, 0},
		{"0123456789abcdefghijklmnopqrstuvwxyz", HalfMD4, 0x8a5f55da, 0x21b26b75},
		{"0123456789abcdefghijklmnopqrstuvwxyz", TEA, 0x35adaeca, 0x9f9c5464},
		{"caf\xc3\xa9", Legacy, 0x96ca5a2c, 0},
		{"caf\xc3\xa9", HalfMD4, 0xfb9c5e5c, 0x0573e8b8},
		{"caf\xc3\xa9", TEA, 0x105842ea, 0xfb9165ca},
		{"caf\xc3\xa9", LegacyUnsigned, 0x6dde4230, 0},
		{"caf\xc3\xa9", HalfMD4Unsigned, 0x9d72aed6, 0xf6138c6a},
		{"caf\xc3\xa9", TEAUnsigned, 0x6621f032, 0xf86699c6},
	}
	for _, tt := range tests {
		major, minor, ok := Hash([]byte(tt.name), tt.version, [4]uint32{})
		if !ok || major != tt.major || minor != tt.minor {
			t.Errorf("Hash(%q, %v) = %#08x, %#08x, %v; want %#08x, %#08x", tt.name, tt.version, major, minor, ok, tt.major, tt.minor)
		}
	}
}

func TestHashSeed(t *testing.T) {
	name := []byte("hello")
	tests := []struct {
		version      Version
		major, minor uint32
	}{
		{HalfMD4, 2749438084, 1847190215},
		{TEA, 531280852, 4093816001},
	}
	for _, tt := range tests {
		major, minor, _ := Hash(name, tt.version, [4]uint32{1, 2, 3, 4})
		if major != tt.major || minor != tt.minor {
			t.Errorf("seeded %v: got %d, %d; want %d, %d", tt.version, major, minor, tt.major, tt.minor)
		}

		// The zero seed stands for the default one.
		a, b, _ := Hash(name, tt.version, [4]uint32{})
		c, d, _ := Hash(name, tt.version, defaultSeed)
		if a != c || b != d {
			t.Errorf("%v: zero seed gives %x/%x, default seed %x/%x", tt.version, a, b, c, d)
		}
	}
}

// For ASCII names the signed and unsigned variants agree.
func TestHashSignedness(t *testing.T) {
	for _, v := range []Version{Legacy, HalfMD4, TEA} {
		for i := 0; i < 100; i++ {
			name := []byte(fmt.Sprintf("file-%d.txt", i))
			a, b, _ := Hash(name, v, [4]uint32{})
			c, d, _ := Hash(name, v.Unsigned(), [4]uint32{})
			if a != c || b != d {
				t.Fatalf("%q: %v and %v differ", name, v, v.Unsigned())
			}
		}
	}
}

func TestHashLowBit(t *testing.T) {
	for _, v := range []Version{Legacy, HalfMD4, TEA, LegacyUnsigned, HalfMD4Unsigned, TEAUnsigned} {
		for i := 0; i < 1000; i++ {
			major, _, _ := Hash([]byte(fmt.Sprint(i)), v, [4]uint32{})
			if major&1 != 0 {
				t.Fatalf("%v: major hash of %d has the low bit set", v, i)
			}
			if major == eof32<<1 {
				t.Fatalf("%v: major hash of %d is the end-of-directory value", v, i)
			}
		}
	}
}

func TestUnsupportedVersion(t *testing.T) {
	for _, v := range []Version{SipHash, 7, 200} {
		if v.Supported() {
			t.Errorf("%v reported as supported", v)
		}
		if _, _, ok := Hash([]byte("x"), v, [4]uint32{}); ok {
			t.Errorf("Hash with %v succeeded", v)
		}
	}
}

func TestVersionNames(t *testing.T) {
	tests := map[Version]string{
		Legacy:          "legacy",
		HalfMD4:         "half_md4",
		TEA:             "tea",
		LegacyUnsigned:  "legacy_unsigned",
		HalfMD4Unsigned: "half_md4_unsigned",
		TEAUnsigned:     "tea_unsigned",
		SipHash:         "siphash",
		42:              "unknown",
	}
	for v, want := range tests {
		if got := v.String(); got != want {
			t.Errorf("Version(%d).String() = %q, want %q", v, got, want)
		}
	}
	if HalfMD4.Unsigned() != HalfMD4Unsigned || TEAUnsigned.Unsigned() != TEAUnsigned || SipHash.Unsigned() != SipHash {
		t.Error("Unsigned mapping")
	}
}

func TestStr2hashbuf(t *testing.T) {
	var out [4]uint32
	str2hashbuf([]byte("abcde"), out[:], true)
	pad := uint32(0x05050505)
	want := [4]uint32{0x61626364, pad<<8 | 'e', pad, pad}
	if out != want {
		t.Errorf("got %#x, want %#x", out, want)
	}
}

func BenchmarkHalfMD4(b *testing.B) {
	name := []byte("a_reasonably_long_file_name_for_benchmarking.txt")
	for b.Loop() {
		Hash(name, HalfMD4, [4]uint32{})
	}
}
