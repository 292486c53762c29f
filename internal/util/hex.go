package util

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// HexToBytes converts a hex string to bytes
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

// BytesToHex converts bytes to hex string without prefix
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// MustHexToBytes converts hex string to bytes, panics on error
func MustHexToBytes(s string) []byte {
	b, err := HexToBytes(s)
	if err != nil {
		panic(fmt.Sprintf("invalid hex string: %s", s))
	}
	return b
}

// EncodeNonce renders a nonce counter as the fixed 16-hex-digit
// big-endian form the challenge server expects.
func EncodeNonce(n uint64) string {
	return fmt.Sprintf("%016x", n)
}

// DecodeNonce parses a 16-hex-digit nonce back to its counter value.
func DecodeNonce(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 16 {
		return 0, fmt.Errorf("nonce must be 16 hex digits, got %d", len(s))
	}
	return strconv.ParseUint(s, 16, 64)
}

// ValidateNonce validates nonce format (8 bytes / 16 hex chars)
func ValidateNonce(nonce string) bool {
	_, err := DecodeNonce(nonce)
	return err == nil
}

// IsValidHex checks if string is valid hexadecimal
func IsValidHex(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	_, err := hex.DecodeString(s)
	return err == nil
}

// ValidateHash validates hash format (32 bytes / 64 hex chars)
func ValidateHash(hash string) bool {
	hash = strings.TrimPrefix(hash, "0x")
	if len(hash) != 64 {
		return false
	}
	return IsValidHex(hash)
}

// ValidateAddress validates TOS address format
func ValidateAddress(addr string) bool {
	// TOS addresses start with "tos1" and are 62 characters (bech32)
	if !strings.HasPrefix(addr, "tos1") {
		return false
	}
	if len(addr) != 62 {
		return false
	}
	// Basic bech32 character validation
	for _, c := range addr[4:] {
		if !strings.ContainsRune("023456789acdefghjklmnpqrstuvwxyz", c) {
			return false
		}
	}
	return true
}
