package randutil

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Intn returns a random integer in [0, max) sourced from crypto/rand. Used
// where selection is expected to be uniform and unpredictable, like picking a
// random message off the board.
func Intn(max int64) int64 {
	nBig, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		panic(fmt.Sprintf("error generating random int: %v", err))
	}
	return nBig.Int64()
}
