package sequence

import "errors"

// Sentinel errors returned by sequence operations. Callers match them with errors.Is.
var (
	// ErrTokenOutOfRange is returned by Translate for a token index that is
	// negative or at or past the sequence's token count.
	ErrTokenOutOfRange = errors.New("token index out of range")

	// ErrUnmappedBlock is returned by Translate when the token's logical
	// block has no physical mapping. With intact bookkeeping this cannot
	// happen; it is checked rather than assumed.
	ErrUnmappedBlock = errors.New("logical block not mapped")

	// ErrBlockSizeMismatch is returned when a sequence is driven against a
	// pool whose block size differs from the one the sequence was built with.
	ErrBlockSizeMismatch = errors.New("block size mismatch")
)
