package util

import (
	"math/bits"
	"strings"
)

// RequiredZeroBits derives the number of leading zero bits a hash must
// carry from a hex difficulty mask. Full zero bytes count 8 bits each;
// counting stops at the first non-zero byte, whose own leading zero
// bits are added.
func RequiredZeroBits(mask string) int {
	raw, err := HexToBytes(strings.TrimSpace(mask))
	if err != nil {
		return 0
	}

	zeroBits := 0
	for _, b := range raw {
		if b == 0 {
			zeroBits += 8
			continue
		}
		zeroBits += bits.LeadingZeros8(b)
		break
	}
	return zeroBits
}

// HashMeetsMask reports whether the hash carries at least zeroBits
// leading zero bits. Short-circuits on the first non-zero byte so
// rejects stay cheap.
func HashMeetsMask(hash []byte, zeroBits int) bool {
	if zeroBits <= 0 {
		return true
	}

	fullBytes := zeroBits / 8
	remainder := zeroBits % 8

	if len(hash) < fullBytes+1 {
		if len(hash) < fullBytes {
			return false
		}
		if remainder > 0 {
			return false
		}
	}

	for i := 0; i < fullBytes; i++ {
		if hash[i] != 0 {
			return false
		}
	}

	if remainder > 0 {
		if hash[fullBytes]>>(8-uint(remainder)) != 0 {
			return false
		}
	}

	return true
}

// HexHashMeetsMask evaluates the difficulty predicate against a hex
// encoded hash.
func HexHashMeetsMask(hashHex string, zeroBits int) bool {
	raw, err := HexToBytes(hashHex)
	if err != nil {
		return false
	}
	return HashMeetsMask(raw, zeroBits)
}

// BuildPreimage assembles the canonical submission preimage. Field
// order is fixed by the challenge server and must not change:
// nonce, address, "**"+challengeID, difficulty, no_pre_mine,
// latest_submission, no_pre_mine_hour.
func BuildPreimage(nonce, address, challengeID, difficulty, noPreMine, latestSubmission, noPreMineHour string) string {
	var sb strings.Builder
	sb.Grow(len(nonce) + len(address) + 2 + len(challengeID) + len(difficulty) + len(noPreMine) + len(latestSubmission) + len(noPreMineHour))
	sb.WriteString(nonce)
	sb.WriteString(address)
	sb.WriteString("**")
	sb.WriteString(challengeID)
	sb.WriteString(difficulty)
	sb.WriteString(noPreMine)
	sb.WriteString(latestSubmission)
	sb.WriteString(noPreMineHour)
	return sb.String()
}
