package decsa

import "fmt"

// DVB-CSA (common scrambling algorithm, ETSI ETR 289) following the libdvbcsa
// reference: a 64 bit block cipher run in reverse cipher block chaining over
// the payload, combined with a nibble stream cipher seeded from the first
// ciphertext block. Residue bytes are covered by the stream cipher only.

type csaAlgorithm struct{}

func (csaAlgorithm) Name() string { return "csa" }
func (csaAlgorithm) KeySize() int { return 8 }

func (csaAlgorithm) NewCipher(key []byte) (Cipher, error) {
	if len(key) != 8 {
		return nil, fmt.Errorf("%w: csa needs 8 bytes, got %d", ErrKeySize, len(key))
	}
	c := &csaCipher{}
	copy(c.cw[:], key)
	c.kk = csaKeySchedule(c.cw)
	return c, nil
}

// csaCipher is immutable, stream state lives on the stack of each call.
type csaCipher struct {
	cw [8]byte
	kk [57]byte
}

func (c *csaCipher) Decrypt(p []byte) {
	n := len(p) / 8
	if n == 0 {
		return
	}
	residue := len(p) % 8

	var ib, blk, stream [8]byte
	var s csaStream
	copy(ib[:], p[:8])
	s.init(c.cw, ib)

	for i := 1; i <= n; i++ {
		blk = csaBlockDecrypt(&c.kk, ib)
		if i != n {
			stream = s.next()
			for j := 0; j < 8; j++ {
				ib[j] = p[8*i+j] ^ stream[j]
			}
		} else {
			ib = [8]byte{}
		}
		for j := 0; j < 8; j++ {
			p[8*(i-1)+j] = ib[j] ^ blk[j]
		}
	}

	if residue > 0 {
		stream = s.next()
		tail := p[len(p)-residue:]
		for j := range tail {
			tail[j] ^= stream[j]
		}
	}
}

func (c *csaCipher) Encrypt(p []byte) {
	n := len(p) / 8
	if n == 0 {
		return
	}
	residue := len(p) % 8

	// chain runs from the last block backwards, ib[n+1] is the zero block
	ib := make([][8]byte, n+2)
	var blk [8]byte
	for i := n; i > 0; i-- {
		for j := 0; j < 8; j++ {
			blk[j] = p[8*(i-1)+j] ^ ib[i+1][j]
		}
		ib[i] = csaBlockEncrypt(&c.kk, blk)
	}

	var s csaStream
	s.init(c.cw, ib[1])
	copy(p[:8], ib[1][:])
	for i := 2; i <= n; i++ {
		stream := s.next()
		for j := 0; j < 8; j++ {
			p[8*(i-1)+j] = ib[i][j] ^ stream[j]
		}
	}

	if residue > 0 {
		stream := s.next()
		tail := p[len(p)-residue:]
		for j := range tail {
			tail[j] ^= stream[j]
		}
	}
}

var csaKeyPerm = [64]byte{
	0x12, 0x24, 0x09, 0x07, 0x2A, 0x31, 0x1D, 0x15, 0x1C, 0x36, 0x3E, 0x32, 0x13, 0x21, 0x3B, 0x40,
	0x18, 0x14, 0x25, 0x27, 0x02, 0x35, 0x1B, 0x01, 0x22, 0x04, 0x0D, 0x0E, 0x39, 0x28, 0x1A, 0x29,
	0x33, 0x23, 0x34, 0x0C, 0x16, 0x30, 0x1E, 0x3A, 0x2D, 0x1F, 0x08, 0x19, 0x17, 0x2F, 0x3D, 0x11,
	0x3C, 0x05, 0x38, 0x2B, 0x0B, 0x06, 0x0A, 0x2C, 0x20, 0x3F, 0x2E, 0x0F, 0x03, 0x26, 0x10, 0x37,
}

// csaKeySchedule expands a control word into the 56 round key bytes kk[1..56].
func csaKeySchedule(cw [8]byte) [57]byte {
	var kb [8][8]byte
	kb[7] = cw

	for i := 0; i < 7; i++ {
		var bits [64]byte
		for j := 0; j < 8; j++ {
			for k := 0; k < 8; k++ {
				bits[csaKeyPerm[j*8+k]-1] = (kb[7-i][j] >> (7 - k)) & 1
			}
		}
		for j := 0; j < 8; j++ {
			var v byte
			for k := 0; k < 8; k++ {
				v |= bits[j*8+k] << (7 - k)
			}
			kb[6-i][j] = v
		}
	}

	var kk [57]byte
	for i := 0; i < 7; i++ {
		for j := 0; j < 8; j++ {
			kk[1+i*8+j] = kb[1+i][j] ^ byte(i)
		}
	}
	return kk
}

var csaBlockSbox = [256]byte{
	0x3A, 0xEA, 0x68, 0xFE, 0x33, 0xE9, 0x88, 0x1A, 0x83, 0xCF, 0xE1, 0x7F, 0xBA, 0xE2, 0x38, 0x12,
	0xE8, 0x27, 0x61, 0x95, 0x0C, 0x36, 0xE5, 0x70, 0xA2, 0x06, 0x82, 0x7C, 0x17, 0xA3, 0x26, 0x49,
	0xBE, 0x7A, 0x6D, 0x47, 0xC1, 0x51, 0x8F, 0xF3, 0xCC, 0x5B, 0x67, 0xBD, 0xCD, 0x18, 0x08, 0xC9,
	0xFF, 0x69, 0xEF, 0x03, 0x4E, 0x48, 0x4A, 0x84, 0x3F, 0xB4, 0x10, 0x04, 0xDC, 0xF5, 0x5C, 0xC6,
	0x16, 0xAB, 0xAC, 0x4C, 0xF1, 0x6A, 0x2F, 0x3C, 0x3B, 0xD4, 0xD5, 0x94, 0xD0, 0xC4, 0x63, 0x62,
	0x71, 0xA1, 0xF9, 0x4F, 0x2E, 0xAA, 0xC5, 0x56, 0xE3, 0x39, 0x93, 0xCE, 0x65, 0x64, 0xE4, 0x58,
	0x6C, 0x19, 0x42, 0x79, 0xDD, 0xEE, 0x96, 0xF6, 0x8A, 0xEC, 0x1E, 0x85, 0x53, 0x45, 0xDE, 0xBB,
	0x7E, 0x0A, 0x9A, 0x13, 0x2A, 0x9D, 0xC2, 0x5E, 0x5A, 0x1F, 0x32, 0x35, 0x9C, 0xA8, 0x73, 0x30,
	0x29, 0x3D, 0xE7, 0x92, 0x87, 0x1B, 0x2B, 0x4B, 0xA5, 0x57, 0x97, 0x40, 0x15, 0xE6, 0xBC, 0x0E,
	0xEB, 0xC3, 0x34, 0x2D, 0xB8, 0x44, 0x25, 0xA4, 0x1C, 0xC7, 0x23, 0xED, 0x90, 0x6E, 0x50, 0x00,
	0x99, 0x9E, 0x4D, 0xD9, 0xDA, 0x8D, 0x6F, 0x5F, 0x3E, 0xD7, 0x21, 0x74, 0x86, 0xDF, 0x6B, 0x05,
	0x8E, 0x5D, 0x37, 0x11, 0xD2, 0x28, 0x75, 0xD6, 0xA7, 0x77, 0x24, 0xBF, 0xF0, 0xB0, 0x02, 0xB7,
	0xF8, 0xFC, 0x81, 0x09, 0xB1, 0x01, 0x76, 0x91, 0x7D, 0x0F, 0xC8, 0xA0, 0xF2, 0xCB, 0x78, 0x60,
	0xD1, 0xF7, 0xE0, 0xB5, 0x98, 0x22, 0xB3, 0x20, 0x1D, 0xA6, 0xDB, 0x7B, 0x59, 0x9F, 0xAE, 0x31,
	0xFB, 0xD3, 0xB6, 0xCA, 0x43, 0x72, 0x07, 0xF4, 0xD8, 0x41, 0x14, 0x55, 0x0D, 0x54, 0x8B, 0xB9,
	0xAD, 0x46, 0x0B, 0xAF, 0x80, 0x52, 0x2C, 0xFA, 0x8C, 0x89, 0x66, 0xFD, 0xB2, 0xA9, 0x9B, 0xC0,
}

// csaBlockPerm is a fixed bit permutation applied to the sbox output
var csaBlockPerm = func() (t [256]byte) {
	dst := [8]byte{0x02, 0x80, 0x20, 0x10, 0x04, 0x40, 0x01, 0x08}
	for i := range t {
		for b := 0; b < 8; b++ {
			if i&(1<<b) != 0 {
				t[i] |= dst[b]
			}
		}
	}
	return t
}()

func csaBlockDecrypt(kk *[57]byte, in [8]byte) [8]byte {
	var r [9]byte
	copy(r[1:], in[:])

	for i := 56; i > 0; i-- {
		sbox := csaBlockSbox[kk[i]^r[7]]
		perm := csaBlockPerm[sbox]

		next8 := r[7]
		r[7] = r[6] ^ perm
		r[6] = r[5]
		r[5] = r[4] ^ r[8] ^ sbox
		r[4] = r[3] ^ r[8] ^ sbox
		r[3] = r[2] ^ r[8] ^ sbox
		r[2] = r[1]
		r[1] = r[8] ^ sbox
		r[8] = next8
	}

	var out [8]byte
	copy(out[:], r[1:])
	return out
}

func csaBlockEncrypt(kk *[57]byte, in [8]byte) [8]byte {
	var r [9]byte
	copy(r[1:], in[:])

	for i := 1; i <= 56; i++ {
		sbox := csaBlockSbox[kk[i]^r[8]]
		perm := csaBlockPerm[sbox]

		next1 := r[2]
		r[2] = r[3] ^ r[1]
		r[3] = r[4] ^ r[1]
		r[4] = r[5] ^ r[1]
		r[5] = r[6]
		r[6] = r[7] ^ perm
		r[7] = r[8]
		r[8] = r[1] ^ sbox
		r[1] = next1
	}

	var out [8]byte
	copy(out[:], r[1:])
	return out
}

var csaStreamSbox = [7][32]byte{
	{2, 0, 1, 1, 2, 3, 3, 0, 3, 2, 2, 0, 1, 1, 0, 3, 0, 3, 3, 0, 2, 2, 1, 1, 2, 2, 0, 3, 1, 1, 3, 0},
	{3, 1, 0, 2, 2, 3, 3, 0, 1, 3, 2, 1, 0, 0, 1, 2, 3, 1, 0, 3, 3, 2, 0, 2, 0, 0, 1, 2, 2, 1, 3, 1},
	{2, 0, 1, 2, 2, 3, 3, 1, 1, 1, 0, 3, 3, 0, 2, 0, 1, 3, 0, 1, 3, 0, 2, 2, 2, 0, 1, 2, 0, 3, 3, 1},
	{3, 1, 2, 3, 0, 2, 1, 2, 1, 2, 0, 1, 3, 0, 0, 3, 1, 0, 3, 1, 2, 3, 0, 3, 0, 3, 2, 0, 1, 2, 2, 1},
	{2, 0, 0, 1, 3, 2, 3, 2, 0, 1, 3, 3, 1, 0, 2, 1, 2, 3, 2, 0, 0, 3, 1, 1, 1, 0, 3, 2, 3, 1, 0, 2},
	{0, 1, 2, 3, 1, 2, 2, 0, 0, 1, 3, 0, 2, 3, 1, 3, 2, 3, 0, 2, 3, 0, 1, 1, 2, 1, 1, 2, 0, 3, 3, 0},
	{0, 3, 2, 2, 3, 0, 0, 1, 3, 0, 1, 3, 1, 2, 2, 1, 1, 0, 3, 3, 0, 1, 1, 2, 2, 3, 1, 0, 2, 3, 0, 2},
}

// csaStream holds the two nibble shift registers A and B (indexes 1..10) and
// the combiner state.
type csaStream struct {
	a, b    [11]byte
	x, y, z byte
	d, e, f byte
	p, q, r byte
}

func bit(v byte, n uint) byte { return (v >> n) & 1 }

// init loads the control word and clocks the first ciphertext block in.
func (s *csaStream) init(cw [8]byte, sb [8]byte) {
	*s = csaStream{}
	for i := 0; i < 4; i++ {
		s.a[1+2*i] = cw[i] >> 4
		s.a[2+2*i] = cw[i] & 0x0f
		s.b[1+2*i] = cw[4+i] >> 4
		s.b[2+2*i] = cw[4+i] & 0x0f
	}
	for i := 0; i < 8; i++ {
		s.clock(true, sb[i]>>4, sb[i]&0x0f)
	}
}

// next returns 8 bytes of keystream.
func (s *csaStream) next() (out [8]byte) {
	for i := range out {
		out[i] = s.clock(false, 0, 0)
	}
	return out
}

// clock runs four rounds, each producing two output bits.
func (s *csaStream) clock(init bool, in1, in2 byte) byte {
	var op byte
	a, b := &s.a, &s.b

	for j := 0; j < 4; j++ {
		s1 := csaStreamSbox[0][bit(a[4], 0)<<4|bit(a[1], 2)<<3|bit(a[6], 1)<<2|bit(a[7], 3)<<1|bit(a[9], 0)]
		s2 := csaStreamSbox[1][bit(a[2], 1)<<4|bit(a[3], 2)<<3|bit(a[6], 3)<<2|bit(a[7], 0)<<1|bit(a[9], 1)]
		s3 := csaStreamSbox[2][bit(a[1], 3)<<4|bit(a[2], 0)<<3|bit(a[5], 1)<<2|bit(a[5], 3)<<1|bit(a[6], 2)]
		s4 := csaStreamSbox[3][bit(a[3], 3)<<4|bit(a[1], 1)<<3|bit(a[2], 3)<<2|bit(a[4], 2)<<1|bit(a[8], 0)]
		s5 := csaStreamSbox[4][bit(a[5], 2)<<4|bit(a[4], 3)<<3|bit(a[6], 0)<<2|bit(a[8], 1)<<1|bit(a[9], 2)]
		s6 := csaStreamSbox[5][bit(a[3], 1)<<4|bit(a[4], 1)<<3|bit(a[5], 0)<<2|bit(a[7], 2)<<1|bit(a[9], 3)]
		s7 := csaStreamSbox[6][bit(a[2], 2)<<4|bit(a[3], 0)<<3|bit(a[7], 1)<<2|bit(a[8], 2)<<1|bit(a[8], 3)]

		extraB := ((b[3]&1)<<3 ^ (b[6]&2)<<2 ^ (b[7]&4)<<1 ^ (b[9] & 8)) |
			((b[6]&1)<<2 ^ (b[8]&2)<<1 ^ (b[3]&8)>>1 ^ (b[4] & 4)) |
			((b[5]&8)>>2 ^ (b[8]&4)>>1 ^ (b[4]&1)<<1 ^ (b[5] & 2)) |
			((b[9]&4)>>2 ^ (b[6]&8)>>3 ^ (b[3]&2)>>1 ^ (b[8] & 1))

		nextA1 := a[10] ^ s.x
		nextB1 := b[7] ^ b[10] ^ s.y
		if init {
			if j%2 == 1 {
				nextA1 ^= s.d ^ in2
				nextB1 ^= in1
			} else {
				nextA1 ^= s.d ^ in1
				nextB1 ^= in2
			}
		}
		if s.p != 0 {
			nextB1 = (nextB1<<1 | nextB1>>3&1) & 0x0f
		}

		s.d = s.e ^ s.z ^ extraB

		nextE := s.f
		if s.q != 0 {
			sum := s.z + s.e + s.r
			s.r = sum >> 4 & 1
			s.f = sum & 0x0f
		} else {
			s.f = s.e
		}
		s.e = nextE

		for k := 10; k > 1; k-- {
			a[k] = a[k-1]
			b[k] = b[k-1]
		}
		a[1] = nextA1
		b[1] = nextB1

		s.x = (s4&1)<<3 | (s3&1)<<2 | s2&2 | (s1&2)>>1
		s.y = (s6&1)<<3 | (s5&1)<<2 | s4&2 | (s3&2)>>1
		s.z = (s2&1)<<3 | (s1&1)<<2 | s7&2 | (s6&2)>>1
		s.p = (s5 & 2) >> 1
		s.q = s7 & 1

		dd := s.d ^ s.d>>1
		op = op<<2 ^ (dd>>1&2 | dd&1)
	}
	return op
}
