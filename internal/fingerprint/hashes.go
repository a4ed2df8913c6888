package fingerprint

import (
	"cmp"
	"slices"
)

// Landmark pairing limits.
const (
	fanOut        = 5  // targets per anchor
	maxDelta      = 32 // frames ahead of the anchor
	binBits       = 9
	deltaBits     = 14
	anchorShift   = binBits + deltaBits
	targetShift   = deltaBits
	maxBinValue   = 1<<binBits - 1
	maxDeltaValue = 1<<deltaBits - 1
)

// PackHash packs a landmark as anchorBin<<23 | targetBin<<14 | delta.
func PackHash(anchorBin, targetBin, delta int) uint32 {
	return uint32(anchorBin&maxBinValue)<<anchorShift |
		uint32(targetBin&maxBinValue)<<targetShift |
		uint32(delta&maxDeltaValue)
}

// UnpackHash is the inverse of PackHash.
func UnpackHash(h uint32) (anchorBin, targetBin, delta int) {
	return int(h >> anchorShift & maxBinValue), int(h >> targetShift & maxBinValue), int(h & maxDeltaValue)
}

// pairPeaks turns frame-ordered peaks into landmarks. Each anchor pairs with
// the first fanOut peaks in the following maxDelta frames.
func pairPeaks(peaks []peak) []Hash {
	hashes := make([]Hash, 0, len(peaks)*fanOut)
	for i, a := range peaks {
		n := 0
		for j := i + 1; j < len(peaks) && n < fanOut; j++ {
			b := peaks[j]
			delta := b.frame - a.frame
			if delta == 0 {
				continue
			}
			if delta > maxDelta {
				break
			}
			hashes = append(hashes, Hash{Value: PackHash(a.bin, b.bin, delta), Frame: uint32(a.frame)})
			n++
		}
	}
	return hashes
}

// sortHashes orders hashes by frame, then value.
func sortHashes(hashes []Hash) {
	slices.SortFunc(hashes, func(x, y Hash) int {
		if c := cmp.Compare(x.Frame, y.Frame); c != 0 {
			return c
		}
		return cmp.Compare(x.Value, y.Value)
	})
}
