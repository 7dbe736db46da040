package encode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindSecondStartCodeReturnsOffsetOfNextAccessUnit(t *testing.T) {
	buf := append([]byte{0x00, 0x00, 0x00, 0x01, 0x67, 0xAA, 0xBB}, naluStartCode...)
	buf = append(buf, 0x68, 0xCC)
	idx := findSecondStartCode(buf)
	assert.Equal(t, 7, idx)
}

func TestFindSecondStartCodeReturnsMinusOneWithOnlyOneNALU(t *testing.T) {
	buf := append([]byte{0x00, 0x00, 0x00, 0x01, 0x67}, 0xAA, 0xBB)
	assert.Equal(t, -1, findSecondStartCode(buf))
}

func TestContainsIDRDetectsIDRSlice(t *testing.T) {
	au := append([]byte{0x00, 0x00, 0x00, 0x01}, byte(idrNALUType))
	assert.True(t, containsIDR(au))
}

func TestContainsIDRFalseForNonIDRSlice(t *testing.T) {
	au := append([]byte{0x00, 0x00, 0x00, 0x01}, byte(1)) // non-IDR slice type
	assert.False(t, containsIDR(au))
}
