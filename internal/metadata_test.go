package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPropToMetadataDropsReserved(t *testing.T) {
	prop := map[string]string{
		"__ts":      "1:0:node",
		"__srcId":   "client1",
		"userKey":   "userVal",
		"__unknown": "x",
	}
	meta := PropToMetadata(prop)
	assert.Equal(t, map[string]string{"userKey": "userVal"}, meta)
}

func TestUnknownReserved(t *testing.T) {
	prop := map[string]string{
		"__ts":      "1:0:node",
		"__bogus":   "x",
		"userKey":   "userVal",
		"__invId":   "legacy",
	}
	unknown := UnknownReserved(prop)
	assert.ElementsMatch(t, []string{"__bogus"}, unknown)
}

func TestMetadataToPropNilSafe(t *testing.T) {
	assert.Equal(t, map[string]string{}, MetadataToProp(nil))
}
