package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC32C(t *testing.T) {
	// Known vector for CRC32C("123456789").
	assert.Equal(t, uint32(0xe3069283), CRC32C([]byte("123456789")))

	h := NewCRC32C()
	_, _ = h.Write([]byte("1234"))
	_, _ = h.Write([]byte("56789"))
	assert.Equal(t, uint32(0xe3069283), h.Sum32())
}

func TestFrame(t *testing.T) {
	payload := []byte(`{"kind":"header"}`)
	f := Frame(payload)
	assert.Len(t, f, 8)
	assert.True(t, VerifyFrame(f, payload))
	assert.False(t, VerifyFrame(f, []byte(`{"kind":"headex"}`)))
	assert.False(t, VerifyFrame("", payload))
	assert.Equal(t, "e3069283", Frame([]byte("123456789")))
}

func TestToken64(t *testing.T) {
	assert.Equal(t, Token64("alpha"), Token64("alpha"))
	assert.NotEqual(t, Token64("alpha"), Token64("alphb"))
	assert.NotEqual(t, Token64(""), Token64("a"))
}
