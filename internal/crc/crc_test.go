package crc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCcittSingle(t *testing.T) {
	var crc CRC16
	crc.Single(10)
	assert.EqualValues(t, 0xA14A, crc)
}

func TestOfEmpty(t *testing.T) {
	assert.EqualValues(t, 0, Of(nil))
}

func TestBlockMatchesRepeatedSingle(t *testing.T) {
	data := []byte{0x00, 0x01, 0x02, 0xFF, 0x7E}
	var viaBlock CRC16
	viaBlock.Block(data)

	var viaSingle CRC16
	for _, b := range data {
		viaSingle.Single(b)
	}
	assert.Equal(t, viaSingle, viaBlock)
	assert.Equal(t, uint16(viaBlock), Of(data))
}
