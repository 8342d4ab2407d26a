package codec

import "fmt"

// WrongLengthError reports a candidate frame whose size does not match the
// firmware contract.
type WrongLengthError struct {
	Expected int
	Actual   int
}

func (e *WrongLengthError) Error() string {
	return fmt.Sprintf("frame length %d, expected %d", e.Actual, e.Expected)
}
