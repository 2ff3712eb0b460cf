package flash

import (
	"crypto/aes"
	"encoding/hex"

	ecuflash "github.com/samsamfire/ecuflash"
)

// Fixed pre-shared keys used to derive the SecurityAccess key from the
// ECU-supplied seed. Part of the binary format contract with the ECU;
// values are compile-time constants.
const (
	level3PreSharedKeyHex = "E6AB4112C0FBD97834DAA6606FA45D65"
	level1PreSharedKeyHex = "DCDEE01FAB9D7AB77B49C9FFD075B364"
)

func presharedKey(level byte) ([]byte, error) {
	switch level {
	case securityAccessLevel3:
		return hex.DecodeString(level3PreSharedKeyHex)
	case securityAccessLevel1:
		return hex.DecodeString(level1PreSharedKeyHex)
	default:
		return nil, ecuflash.ErrIllegalArgument
	}
}

// DeriveKey computes the SecurityAccess key for seed using the fixed
// AES-128-ECB pre-shared key selected by level. seed must be exactly one
// AES block (16 bytes); the seed/key exchange never sends more.
func DeriveKey(seed []byte, level byte) ([]byte, error) {
	if len(seed) != aes.BlockSize {
		return nil, ecuflash.ErrKeyDerivation
	}
	psk, err := presharedKey(level)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(psk)
	if err != nil {
		return nil, ecuflash.ErrKeyDerivation
	}
	key := make([]byte, aes.BlockSize)
	block.Encrypt(key, seed)
	return key, nil
}
