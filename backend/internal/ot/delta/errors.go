package delta

import "errors"

var (
	// ErrIncompatibleLength：两个 delta 的长度对不上（compose / transform / apply）
	ErrIncompatibleLength = errors.New("INCOMPATIBLE_LENGTH")
	ErrMalformedDelta     = errors.New("MALFORMED_DELTA")
)
