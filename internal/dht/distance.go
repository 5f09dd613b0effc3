package dht

import (
	"bytes"
	"math/bits"
)

func Distance(a, b NodeID) NodeID {
	var d NodeID
	for i := 0; i < IDSize; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CompareDistance returns:
// -1 if a is closer to target than b
//
//	0 if a and b are equidistant to target
//	1 if b is closer to target than a
func CompareDistance(target, a, b NodeID) int {
	da := Distance(target, a)
	db := Distance(target, b)
	return bytes.Compare(da[:], db[:])
}

// PrefixLen returns the number of leading zero bits in the XOR distance.
// Used to determine which bucket the node belongs to.
func PrefixLen(a, b NodeID) int {
	d := Distance(a, b)
	for i := 0; i < IDSize; i++ {
		if d[i] != 0 {
			return i*8 + bits.LeadingZeros8(d[i])
		}
	}
	return IDSize * 8 // Identical
}

// BucketIndex returns which bucket (0-255) a node belongs to relative to the
// local node ID: the zero-based position of the highest-order differing bit
// (0 = most significant), i.e. PrefixLen itself.
func BucketIndex(localID, remoteID NodeID) int {
	prefixLen := PrefixLen(localID, remoteID)
	maxIdx := IDSize*8 - 1
	if prefixLen > maxIdx {
		return maxIdx
	}
	return prefixLen
}
