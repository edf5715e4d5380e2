// Package decsa is the software descrambling engine. Control words live in
// numbered slots, each holding an even/odd pair that is replaced atomically,
// and every packet is decrypted with the key selected by its own
// transport_scrambling_control bits.
package decsa

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Comcast/gots/packet"
)

// MaxSlots is the number of descrambler indexes an authority may address.
const MaxSlots = 64

var (
	ErrSlotRange = errors.New("decsa: slot out of range")
	ErrParity    = errors.New("decsa: invalid parity")
)

type Parity uint8

const (
	Even Parity = 0
	Odd  Parity = 1
)

func (p Parity) String() string {
	if p == Odd {
		return "odd"
	}
	return "even"
}

// transport_scrambling_control, top two bits of header byte 3
const (
	scMask     = 0xC0
	scReserved = 0x40
	scEven     = 0x80
	scOdd      = 0xC0
)

type Result int

const (
	Clear Result = iota
	Decrypted
	NoKey
	Reserved
)

// SlotResolver maps a PID to the descrambler slot the authority assigned to it.
type SlotResolver interface {
	SlotFor(pid uint16) (int, bool)
}

type Stats struct {
	Decrypted   uint64 `json:"decrypted"`
	Clear       uint64 `json:"clear"`
	NoKey       uint64 `json:"nokey"`
	ParityFlips uint64 `json:"parityflips"`
	KeyInstalls uint64 `json:"keyinstalls"`
}

// keyPair is immutable once published
type keyPair struct {
	alg     Algorithm
	ciphers [2]Cipher
}

type Engine struct {
	defaultAlg Algorithm

	installMu sync.Mutex
	slots     [MaxSlots]atomic.Pointer[keyPair]

	// consumer side state, only touched by the goroutine calling Decrypt
	parity    map[uint16]Parity
	seenReset uint64
	resetGen  atomic.Uint64

	decrypted   atomic.Uint64
	clear       atomic.Uint64
	noKey       atomic.Uint64
	flips       atomic.Uint64
	keyInstalls atomic.Uint64
}

func NewEngine(alg Algorithm) *Engine {
	if alg == nil {
		alg = CSA
	}
	return &Engine{
		defaultAlg: alg,
		parity:     make(map[uint16]Parity),
	}
}

func (e *Engine) DefaultAlgorithm() Algorithm {
	return e.defaultAlg
}

// SetAlgorithm selects the cipher used by a slot. Changing it drops the keys
// installed for that slot.
func (e *Engine) SetAlgorithm(slot int, alg Algorithm) error {
	if slot < 0 || slot >= MaxSlots {
		return fmt.Errorf("%w: %d", ErrSlotRange, slot)
	}

	e.installMu.Lock()
	defer e.installMu.Unlock()

	cur := e.slots[slot].Load()
	if cur != nil && cur.alg == alg {
		return nil
	}
	e.slots[slot].Store(&keyPair{alg: alg})
	return nil
}

// Install publishes a control word for one parity of a slot. An all zero
// control word removes the key for that parity.
func (e *Engine) Install(slot int, parity Parity, cw []byte) error {
	if slot < 0 || slot >= MaxSlots {
		return fmt.Errorf("%w: %d", ErrSlotRange, slot)
	}
	if parity > Odd {
		return fmt.Errorf("%w: %d", ErrParity, parity)
	}

	e.installMu.Lock()
	defer e.installMu.Unlock()

	cur := e.slots[slot].Load()
	alg := e.defaultAlg
	if cur != nil {
		alg = cur.alg
	}

	var c Cipher
	if !zero(cw) {
		if len(cw) != alg.KeySize() {
			return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrKeySize, alg.Name(), alg.KeySize(), len(cw))
		}
		var err error
		c, err = alg.NewCipher(cw)
		if err != nil {
			return err
		}
	}

	next := &keyPair{alg: alg}
	if cur != nil {
		next.ciphers = cur.ciphers
	}
	next.ciphers[parity] = c
	e.slots[slot].Store(next)
	e.keyInstalls.Add(1)

	return nil
}

// HasKey reports whether a key for parity is installed in slot.
func (e *Engine) HasKey(slot int, parity Parity) bool {
	if slot < 0 || slot >= MaxSlots || parity > Odd {
		return false
	}
	pair := e.slots[slot].Load()
	return pair != nil && pair.ciphers[parity] != nil
}

// ClearKeys drops every installed control word.
func (e *Engine) ClearKeys() {
	e.installMu.Lock()
	defer e.installMu.Unlock()

	for i := range e.slots {
		e.slots[i].Store(nil)
	}
}

// Reset forgets per PID parity history. Safe to call from any goroutine, the
// consumer applies it before its next packet.
func (e *Engine) Reset() {
	e.resetGen.Add(1)
}

// Decrypt descrambles pkt in place using the key matching its scrambling
// control bits and clears those bits on success. Packets without a usable key
// are left untouched. Decrypt must only be called from one goroutine.
func (e *Engine) Decrypt(pkt *packet.Packet, slots SlotResolver) Result {
	if gen := e.resetGen.Load(); gen != e.seenReset {
		e.parity = make(map[uint16]Parity)
		e.seenReset = gen
	}

	sc := pkt[3] & scMask
	switch sc {
	case 0:
		e.clear.Add(1)
		return Clear
	case scReserved:
		return Reserved
	}

	parity := Even
	if sc == scOdd {
		parity = Odd
	}

	pid := uint16(pkt.PID())
	if last, ok := e.parity[pid]; ok && last != parity {
		e.flips.Add(1)
	}
	e.parity[pid] = parity

	if slots == nil {
		e.noKey.Add(1)
		return NoKey
	}
	slot, ok := slots.SlotFor(pid)
	if !ok || slot < 0 || slot >= MaxSlots {
		e.noKey.Add(1)
		return NoKey
	}

	pair := e.slots[slot].Load()
	if pair == nil || pair.ciphers[parity] == nil {
		e.noKey.Add(1)
		return NoKey
	}

	if payload, err := packet.Payload(pkt); err == nil {
		pair.ciphers[parity].Decrypt(payload)
	}
	pkt[3] &^= scMask
	e.decrypted.Add(1)

	return Decrypted
}

// DecryptBatch runs Decrypt over pkts and returns how many were decrypted.
func (e *Engine) DecryptBatch(pkts []packet.Packet, slots SlotResolver) int {
	n := 0
	for i := range pkts {
		if e.Decrypt(&pkts[i], slots) == Decrypted {
			n++
		}
	}
	return n
}

// lastParity returns the parity of the last scrambled packet seen on pid.
// Same goroutine restriction as Decrypt.
func (e *Engine) lastParity(pid uint16) (Parity, bool) {
	p, ok := e.parity[pid]
	return p, ok
}

func (e *Engine) Stats() Stats {
	return Stats{
		Decrypted:   e.decrypted.Load(),
		Clear:       e.clear.Load(),
		NoKey:       e.noKey.Load(),
		ParityFlips: e.flips.Load(),
		KeyInstalls: e.keyInstalls.Load(),
	}
}

// Scramble encrypts the payload of pkt with c and marks it with parity. It
// is the inverse of Decrypt and is used to build test and playback streams.
func Scramble(pkt *packet.Packet, parity Parity, c Cipher) {
	if payload, err := packet.Payload(pkt); err == nil {
		c.Encrypt(payload)
	}
	pkt[3] &^= scMask
	if parity == Odd {
		pkt[3] |= scOdd
	} else {
		pkt[3] |= scEven
	}
}

func zero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
