package measurement

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/edgelesssys/gpuattest/internal/report"
)

func TestCompareAllMatch(t *testing.T) {
	reported := []report.Measurement{
		{Index: 0, Value: []byte{0xAA}},
		{Index: 1, Value: []byte{0xBB}},
	}
	golden := map[uint8][]string{
		0: {"aa"},
		1: {"cc", "bb"},
	}
	assert.NoError(t, Compare(reported, golden, nil))
}

func TestCompareMismatch(t *testing.T) {
	reported := []report.Measurement{{Index: 0, Value: []byte{0xAA}}}
	golden := map[uint8][]string{0: {"ff"}}
	err := Compare(reported, golden, nil)
	assert.ErrorContains(t, err, "index 0")
}

func TestCompareMismatchAllowed(t *testing.T) {
	reported := []report.Measurement{{Index: 0, Value: []byte{0xAA}}}
	golden := map[uint8][]string{0: {"ff"}}
	assert.NoError(t, Compare(reported, golden, []uint8{0}))
}

func TestCompareMissingReportIndex(t *testing.T) {
	reported := []report.Measurement{}
	golden := map[uint8][]string{0: {"aa"}}
	err := Compare(reported, golden, []uint8{0})
	assert.ErrorContains(t, err, "missing measurement record for index 0")
}

func TestCompareExtraReportIndex(t *testing.T) {
	reported := []report.Measurement{{Index: 5, Value: []byte{0xAA}}}
	golden := map[uint8][]string{}
	err := Compare(reported, golden, nil)
	assert.ErrorContains(t, err, "index 5")
}
