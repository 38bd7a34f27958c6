// Package dxhash implements the directory-entry name hashes used by ext3/ext4
// hashed directory indexes (htree).
//
// The hash of a name selects the leaf block of an indexed directory that may
// contain it. Only the bit-exact behavior matters: the functions here must
// produce the same values the kernel writes into dx_entry hash fields.
package dxhash

import "math/bits"

// Version identifies a hash algorithm as stored in dx_root_info.hash_version.
type Version uint8

const (
	Legacy          Version = 0
	HalfMD4         Version = 1
	TEA             Version = 2
	LegacyUnsigned  Version = 3
	HalfMD4Unsigned Version = 4
	TEAUnsigned     Version = 5
	SipHash         Version = 6
)

func (v Version) String() string {
	switch v {
	case Legacy:
		return "legacy"
	case HalfMD4:
		return "half_md4"
	case TEA:
		return "tea"
	case LegacyUnsigned:
		return "legacy_unsigned"
	case HalfMD4Unsigned:
		return "half_md4_unsigned"
	case TEAUnsigned:
		return "tea_unsigned"
	case SipHash:
		return "siphash"
	default:
		return "unknown"
	}
}

// Supported reports whether Hash can compute v. SipHash is only used by
// casefolded directories and is not implemented.
func (v Version) Supported() bool {
	return v <= TEAUnsigned
}

// Unsigned returns the unsigned-char variant of a signed version. The
// superblock's EXT2_FLAGS_UNSIGNED_HASH flag selects it for dx roots that
// record one of the three base versions.
func (v Version) Unsigned() Version {
	if v <= TEA {
		return v + 3
	}
	return v
}

// eof32 is EXT4_HTREE_EOF_32BIT. A major hash equal to eof32<<1 is remapped
// so that it never collides with the end-of-directory cookie.
const eof32 = 0x7fffffff

var defaultSeed = [4]uint32{0x67452301, 0xefcdab89, 0x98badcfe, 0x10325476}

// Hash returns the major and minor hash of name. An all-zero seed selects the
// default seed. The low bit of the major hash is always clear; ok is false if
// the version is not supported.
func Hash(name []byte, version Version, seed [4]uint32) (major, minor uint32, ok bool) {
	buf := defaultSeed
	if seed != ([4]uint32{}) {
		buf = seed
	}

	var in [8]uint32
	switch version {
	case Legacy:
		major = legacyHash(name, true)
	case LegacyUnsigned:
		major = legacyHash(name, false)
	case HalfMD4, HalfMD4Unsigned:
		signed := version == HalfMD4
		for p := name; len(p) > 0; {
			str2hashbuf(p, in[:8], signed)
			halfMD4Transform(&buf, &in)
			if len(p) <= 32 {
				break
			}
			p = p[32:]
		}
		major, minor = buf[1], buf[2]
	case TEA, TEAUnsigned:
		signed := version == TEA
		for p := name; len(p) > 0; {
			str2hashbuf(p, in[:4], signed)
			teaTransform(&buf, in[:4])
			if len(p) <= 16 {
				break
			}
			p = p[16:]
		}
		major, minor = buf[0], buf[1]
	default:
		return 0, 0, false
	}

	major &^= 1
	if major == eof32<<1 {
		major = (eof32 - 1) << 1
	}
	return major, minor, true
}

// char widens a name byte the way the kernel's (int) cast does for either a
// signed or an unsigned char.
func char(c byte, signed bool) uint32 {
	if signed {
		return uint32(int32(int8(c)))
	}
	return uint32(c)
}

func legacyHash(name []byte, signed bool) uint32 {
	var hash uint32
	hash0, hash1 := uint32(0x12a3fe2d), uint32(0x37abe8f9)
	for _, c := range name {
		hash = hash1 + (hash0 ^ (char(c, signed) * 7152373))
		if hash&0x80000000 != 0 {
			hash -= 0x7fffffff
		}
		hash1 = hash0
		hash0 = hash
	}
	return hash0 << 1
}

// str2hashbuf packs up to 4*len(out) bytes of msg into out, padding with a
// value derived from the total remaining length.
func str2hashbuf(msg []byte, out []uint32, signed bool) {
	pad := uint32(len(msg)) | uint32(len(msg))<<8
	pad |= pad << 16

	n := len(msg)
	if n > len(out)*4 {
		n = len(out) * 4
	}

	val := pad
	j := 0
	for i := 0; i < n; i++ {
		val = char(msg[i], signed) + (val << 8)
		if i%4 == 3 {
			out[j] = val
			j++
			val = pad
		}
	}
	if j < len(out) {
		out[j] = val
		j++
	}
	for ; j < len(out); j++ {
		out[j] = pad
	}
}

func teaTransform(buf *[4]uint32, in []uint32) {
	const delta = 0x9E3779B9
	var sum uint32
	b0, b1 := buf[0], buf[1]
	a, b, c, d := in[0], in[1], in[2], in[3]
	for n := 0; n < 16; n++ {
		sum += delta
		b0 += ((b1 << 4) + a) ^ (b1 + sum) ^ ((b1 >> 5) + b)
		b1 += ((b0 << 4) + c) ^ (b0 + sum) ^ ((b0 >> 5) + d)
	}
	buf[0] += b0
	buf[1] += b1
}

func halfMD4Transform(buf *[4]uint32, in *[8]uint32) {
	const (
		k1 = 0
		k2 = 013240474631
		k3 = 015666365641
	)
	f := func(x, y, z uint32) uint32 { return z ^ (x & (y ^ z)) }
	g := func(x, y, z uint32) uint32 { return (x & y) + ((x ^ y) & z) }
	h := func(x, y, z uint32) uint32 { return x ^ y ^ z }
	round := func(fn func(x, y, z uint32) uint32, a *uint32, b, c, d, x uint32, s int) {
		*a = bits.RotateLeft32(*a+fn(b, c, d)+x, s)
	}

	a, b, c, d := buf[0], buf[1], buf[2], buf[3]

	round(f, &a, b, c, d, in[0]+k1, 3)
	round(f, &d, a, b, c, in[1]+k1, 7)
	round(f, &c, d, a, b, in[2]+k1, 11)
	round(f, &b, c, d, a, in[3]+k1, 19)
	round(f, &a, b, c, d, in[4]+k1, 3)
	round(f, &d, a, b, c, in[5]+k1, 7)
	round(f, &c, d, a, b, in[6]+k1, 11)
	round(f, &b, c, d, a, in[7]+k1, 19)

	round(g, &a, b, c, d, in[1]+k2, 3)
	round(g, &d, a, b, c, in[3]+k2, 5)
	round(g, &c, d, a, b, in[5]+k2, 9)
	round(g, &b, c, d, a, in[7]+k2, 13)
	round(g, &a, b, c, d, in[0]+k2, 3)
	round(g, &d, a, b, c, in[2]+k2, 5)
	round(g, &c, d, a, b, in[4]+k2, 9)
	round(g, &b, c, d, a, in[6]+k2, 13)

	round(h, &a, b, c, d, in[3]+k3, 3)
	round(h, &d, a, b, c, in[7]+k3, 9)
	round(h, &c, d, a, b, in[2]+k3, 11)
	round(h, &b, c, d, a, in[6]+k3, 15)
	round(h, &a, b, c, d, in[1]+k3, 3)
	round(h, &d, a, b, c, in[5]+k3, 9)
	round(h, &c, d, a, b, in[0]+k3, 11)
	round(h, &b, c, d, a, in[4]+k3, 15)

	buf[0] += a
	buf[1] += b
	buf[2] += c
	buf[3] += d
}
