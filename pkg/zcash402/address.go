package zcash402

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// Zcash transparent-address version prefixes. Unlike Bitcoin's single-byte
// prefix, Zcash uses a two-byte prefix ahead of the Base58Check payload.
var (
	mainnetP2PKHPrefix = []byte{0x1C, 0xB8}
	mainnetP2SHPrefix  = []byte{0x1C, 0xBD}
	testnetP2PKHPrefix = []byte{0x1D, 0x25}
	testnetP2SHPrefix  = []byte{0x1C, 0xBA}
)

// shieldedPrefixes are the human-readable prefixes for Sapling z-addresses.
var shieldedPrefixes = []string{"zs", "ztestsapling"}

const (
	shieldedMinLen = 50
	shieldedMaxLen = 100
)

func p2pkhVersionPrefix(network Network) ([]byte, error) {
	switch network {
	case NetworkMainnet:
		return mainnetP2PKHPrefix, nil
	case NetworkTestnet:
		return testnetP2PKHPrefix, nil
	default:
		return nil, fmt.Errorf("zcash402: unknown network %q", network)
	}
}

// base58CheckEncode encodes payload with a version prefix and a 4-byte
// double-SHA256 checksum, per Base58Check.
func base58CheckEncode(prefix, payload []byte) string {
	buf := make([]byte, 0, len(prefix)+len(payload)+4)
	buf = append(buf, prefix...)
	buf = append(buf, payload...)

	first := sha256.Sum256(buf)
	second := sha256.Sum256(first[:])
	buf = append(buf, second[:4]...)

	return base58.Encode(buf)
}

// base58CheckDecode decodes a Base58Check string, verifies its checksum,
// and returns the prefix bytes and payload separately. prefixLen is the
// number of leading bytes treated as the version prefix (2 for Zcash).
func base58CheckDecode(s string, prefixLen int) (prefix, payload []byte, err error) {
	decoded, err := base58.Decode(s)
	if err != nil {
		return nil, nil, fmt.Errorf("base58 decode: %w", err)
	}
	if len(decoded) < prefixLen+4 {
		return nil, nil, fmt.Errorf("decoded length %d too short", len(decoded))
	}

	body := decoded[:len(decoded)-4]
	checksum := decoded[len(decoded)-4:]

	first := sha256.Sum256(body)
	second := sha256.Sum256(first[:])
	if !bytes.Equal(checksum, second[:4]) {
		return nil, nil, fmt.Errorf("invalid checksum")
	}

	return body[:prefixLen], body[prefixLen:], nil
}

// ValidateTransparentAddress reports whether addr is a well-formed
// transparent address (P2PKH or P2SH) on network, per §4.1.2.
func ValidateTransparentAddress(addr string, network Network) bool {
	prefix, payload, err := base58CheckDecode(addr, 2)
	if err != nil {
		return false
	}
	if len(payload) != 20 {
		return false
	}

	switch network {
	case NetworkMainnet:
		return bytes.Equal(prefix, mainnetP2PKHPrefix) || bytes.Equal(prefix, mainnetP2SHPrefix)
	case NetworkTestnet:
		return bytes.Equal(prefix, testnetP2PKHPrefix) || bytes.Equal(prefix, testnetP2SHPrefix)
	default:
		return false
	}
}

// ValidateShieldedAddress reports whether addr looks like a well-formed
// Sapling z-address by human-readable prefix and length band. Cryptographic
// validity is delegated to the Zcash node (§4.1.2).
func ValidateShieldedAddress(addr string) bool {
	if len(addr) < shieldedMinLen || len(addr) > shieldedMaxLen {
		return false
	}
	for _, p := range shieldedPrefixes {
		if strings.HasPrefix(addr, p) {
			return true
		}
	}
	return false
}

// ValidateAddress dispatches to the transparent or shielded validator
// based on scheme.
func ValidateAddress(addr string, scheme Scheme, network Network) bool {
	switch scheme {
	case SchemeTransparent:
		return ValidateTransparentAddress(addr, network)
	case SchemeShielded:
		return ValidateShieldedAddress(addr)
	default:
		return false
	}
}
