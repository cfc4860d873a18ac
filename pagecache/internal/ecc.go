package internal

// ComputeECC folds the payload words of a cache line into the 8-bit check
// code stored alongside them. A mismatch on readout means the line was
// corrupted; the cache invalidates the whole set in response.
func ComputeECC(words ...uint64) byte {
	var code byte
	for _, w := range words {
		for w != 0 {
			code ^= byte(w)
			w >>= 8
		}
	}

	return code
}
