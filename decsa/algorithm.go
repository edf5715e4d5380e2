package decsa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"errors"
	"fmt"
)

var (
	ErrUnsupportedAlgorithm = errors.New("decsa: unsupported algorithm")
	ErrKeySize              = errors.New("decsa: wrong control word size")
)

// ca_descr_mode algorithm and cipher mode codes as sent by the authority
const (
	AlgoCSA    = 0
	AlgoDES    = 1
	AlgoAES128 = 2

	CipherModeECB = 0
	CipherModeCBC = 1
)

// cissaIV is the fixed initialisation vector of DVB-CISSA (ETSI TS 103 127)
var cissaIV = []byte("DVBTMCPTAESCISSA")

// Cipher transforms a packet payload in place. The block modes leave trailing
// bytes that do not fill a whole block in the clear, CSA covers them with its
// stream cipher.
type Cipher interface {
	Decrypt(payload []byte)
	Encrypt(payload []byte)
}

type Algorithm interface {
	Name() string
	KeySize() int
	NewCipher(key []byte) (Cipher, error)
}

type desAlgorithm struct{}

func (desAlgorithm) Name() string { return "des" }
func (desAlgorithm) KeySize() int { return 8 }

func (desAlgorithm) NewCipher(key []byte) (Cipher, error) {
	block, err := des.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return ecbCipher{block}, nil
}

type aesECBAlgorithm struct{}

func (aesECBAlgorithm) Name() string { return "aes-ecb" }
func (aesECBAlgorithm) KeySize() int { return 16 }

func (aesECBAlgorithm) NewCipher(key []byte) (Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return ecbCipher{block}, nil
}

type aesCISSAAlgorithm struct{}

func (aesCISSAAlgorithm) Name() string { return "aes-cissa" }
func (aesCISSAAlgorithm) KeySize() int { return 16 }

func (aesCISSAAlgorithm) NewCipher(key []byte) (Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cbcCipher{block: block, iv: cissaIV}, nil
}

var (
	CSA      Algorithm = csaAlgorithm{}
	DES      Algorithm = desAlgorithm{}
	AESECB   Algorithm = aesECBAlgorithm{}
	AESCISSA Algorithm = aesCISSAAlgorithm{}
)

func AlgorithmByName(name string) (Algorithm, error) {
	switch name {
	case CSA.Name(), "":
		return CSA, nil
	case DES.Name():
		return DES, nil
	case AESECB.Name():
		return AESECB, nil
	case AESCISSA.Name():
		return AESCISSA, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
}

// AlgorithmByMode maps the authority's descrambler mode codes to an algorithm.
func AlgorithmByMode(algo, cipherMode uint32) (Algorithm, error) {
	switch {
	case algo == AlgoCSA && cipherMode == CipherModeECB:
		return CSA, nil
	case algo == AlgoDES && cipherMode == CipherModeECB:
		return DES, nil
	case algo == AlgoAES128 && cipherMode == CipherModeECB:
		return AESECB, nil
	case algo == AlgoAES128 && cipherMode == CipherModeCBC:
		return AESCISSA, nil
	}
	return nil, fmt.Errorf("%w: algo %d mode %d", ErrUnsupportedAlgorithm, algo, cipherMode)
}

type ecbCipher struct {
	block cipher.Block
}

func (c ecbCipher) Decrypt(p []byte) {
	bs := c.block.BlockSize()
	for i := 0; i+bs <= len(p); i += bs {
		c.block.Decrypt(p[i:i+bs], p[i:i+bs])
	}
}

func (c ecbCipher) Encrypt(p []byte) {
	bs := c.block.BlockSize()
	for i := 0; i+bs <= len(p); i += bs {
		c.block.Encrypt(p[i:i+bs], p[i:i+bs])
	}
}

type cbcCipher struct {
	block cipher.Block
	iv    []byte
}

func (c cbcCipher) Decrypt(p []byte) {
	n := len(p) - len(p)%c.block.BlockSize()
	if n == 0 {
		return
	}
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(p[:n], p[:n])
}

func (c cbcCipher) Encrypt(p []byte) {
	n := len(p) - len(p)%c.block.BlockSize()
	if n == 0 {
		return
	}
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(p[:n], p[:n])
}
