// Copyright 2024 rosa project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package distance

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHamming(t *testing.T) {
	metric := Hamming{}
	assert.EqualValues(t, 0, metric.Distance(nil, nil))
	assert.EqualValues(t, 0, metric.Distance([]byte{1, 0, 1, 0}, []byte{1, 0, 1, 0}))
	assert.EqualValues(t, 2, metric.Distance([]byte{1, 0, 1, 0}, []byte{1, 1, 1, 1}))
	// Bytes are small counters, not bits: 3 XOR 1 = 2.
	assert.EqualValues(t, 2, metric.Distance([]byte{3}, []byte{1}))
	assert.EqualValues(t, 255, metric.Distance([]byte{0xff}, []byte{0x00}))
}

func TestHammingLengthMismatch(t *testing.T) {
	assert.Panics(t, func() {
		Hamming{}.Distance([]byte{1, 2}, []byte{1})
	})
}

func TestByName(t *testing.T) {
	metric, err := ByName("hamming")
	assert.NoError(t, err)
	assert.Equal(t, "hamming", metric.Name())

	_, err = ByName("euclid")
	assert.Error(t, err)
}

func TestTagged(t *testing.T) {
	var tagged Tagged
	assert.NoError(t, tagged.UnmarshalText([]byte("hamming")))
	text, err := tagged.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "hamming", string(text))

	assert.Error(t, tagged.UnmarshalText([]byte("no-such-metric")))
}
