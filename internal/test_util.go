// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package internal

import "math/rand"

const fixdRandSeed = 0x1234

// GenPredictableRandomData generates random data starting with a fixed
// known seed.
func GenPredictableRandomData(size int) []byte {
	gen := rand.New(rand.NewSource(fixdRandSeed))
	out := make([]byte, size)
	for i := range out {
		out[i] = byte(gen.Intn(256))
	}
	return out
}
