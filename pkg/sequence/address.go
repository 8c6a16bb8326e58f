package sequence

// Address arithmetic for the paged layout. These helpers are pure so the
// mapping rules can be tested without a pool or a live sequence.

// LogicalIndex returns the logical block a token position falls in.
func LogicalIndex(tokenIndex, blockSize int) int {
	return tokenIndex / blockSize
}

// Offset returns the slot within its block for a token position.
func Offset(tokenIndex, blockSize int) int {
	return tokenIndex % blockSize
}

// BlocksForTokens returns how many blocks a sequence of the given length
// occupies, counting a trailing partial block as a full one.
func BlocksForTokens(tokens, blockSize int) int {
	if tokens <= 0 {
		return 0
	}
	return (tokens + blockSize - 1) / blockSize
}

// NeedsAllocation reports whether appending the next token to a sequence
// currently holding tokenCount tokens requires a fresh block. True exactly
// when the current count sits on a block boundary, including zero.
func NeedsAllocation(tokenCount, blockSize int) bool {
	return tokenCount%blockSize == 0
}
