package zcash402

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// bitcoinMessagePrefix is the literal magic string prepended to every
// message before hashing, per the Bitcoin Signed Message convention
// Zcash transparent addresses inherit.
const bitcoinMessagePrefix = "\x18Bitcoin Signed Message:\n"

// messageHash computes doubleSHA256(prefix || varint(len(msg)) || msg),
// the digest a 65-byte compact signature recovers against.
func messageHash(msg []byte) [32]byte {
	var buf bytes.Buffer
	buf.WriteString(bitcoinMessagePrefix)
	buf.Write(encodeVarint(uint64(len(msg))))
	buf.Write(msg)

	first := sha256.Sum256(buf.Bytes())
	second := sha256.Sum256(first[:])
	return second
}

// encodeVarint encodes n as a Bitcoin-compatible variable-length integer.
func encodeVarint(n uint64) []byte {
	switch {
	case n < 0xfd:
		return []byte{byte(n)}
	case n <= 0xffff:
		return []byte{0xfd, byte(n), byte(n >> 8)}
	case n <= 0xffffffff:
		return []byte{0xfe, byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
	default:
		b := make([]byte, 9)
		b[0] = 0xff
		for i := 0; i < 8; i++ {
			b[1+i] = byte(n >> (8 * i))
		}
		return b
	}
}

// recoverTransparentAddress recovers the transparent (P2PKH) address that
// produced sigBase64 over msg, for the given network, per §4.1.1: ECDSA
// public key recovery over secp256k1, SHA-256→RIPEMD-160 (Hash160),
// network P2PKH version prefix, Base58Check.
func recoverTransparentAddress(msg []byte, sigBase64 string, network Network) (string, error) {
	sig, err := base64.StdEncoding.DecodeString(sigBase64)
	if err != nil {
		return "", fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}

	hash := messageHash(msg)
	pubKey, _, err := ecdsa.RecoverCompact(sig, hash[:])
	if err != nil {
		return "", fmt.Errorf("recover public key: %w", err)
	}

	hash160 := btcutil.Hash160(pubKey.SerializeCompressed())

	prefix, err := p2pkhVersionPrefix(network)
	if err != nil {
		return "", err
	}

	return base58CheckEncode(prefix, hash160), nil
}

// verifyTransparentSignature reports whether sigBase64 over msg recovers
// to claimedAddress on the given network. Any mismatch (recovery failure,
// unknown network, or address mismatch) returns false.
func verifyTransparentSignature(msg []byte, sigBase64, claimedAddress string, network Network) bool {
	recovered, err := recoverTransparentAddress(msg, sigBase64, network)
	if err != nil {
		return false
	}
	return recovered == claimedAddress
}
