package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestGoldenRuleQuantity(t *testing.T) {
	// capital=$1000, risk=1%, entry=95000, stop=93000 => 0.005 exactly.
	palma := Palma(d("95000"), d("93000"))
	require.True(t, palma.Equal(d("2000")))

	qty, err := GoldenRuleQuantity(d("1000"), d("0.01"), palma)
	require.NoError(t, err)
	assert.True(t, qty.Equal(d("0.005")), "got %s", qty)
}

func TestGoldenRuleQuantityRejectsDegenerateInputs(t *testing.T) {
	_, err := GoldenRuleQuantity(d("1000"), d("0.01"), decimal.Zero)
	assert.True(t, IsValidation(err))

	_, err = GoldenRuleQuantity(decimal.Zero, d("0.01"), d("2000"))
	assert.True(t, IsValidation(err))

	_, err = GoldenRuleQuantity(d("1000"), d("1.5"), d("2000"))
	assert.True(t, IsValidation(err))

	_, err = GoldenRuleQuantity(d("1000"), decimal.Zero, d("2000"))
	assert.True(t, IsValidation(err))
}

func TestValidStop(t *testing.T) {
	assert.True(t, ValidStop(SideLong, d("95000"), d("93000")))
	assert.False(t, ValidStop(SideLong, d("95000"), d("95000")))
	assert.False(t, ValidStop(SideLong, d("95000"), d("96000")))

	assert.True(t, ValidStop(SideShort, d("95000"), d("97000")))
	assert.False(t, ValidStop(SideShort, d("95000"), d("94000")))
}

func TestTrailedStopLongIsNonDecreasing(t *testing.T) {
	palma := d("2000")
	stop := d("93000")

	prices := []string{"95000", "96500", "96000", "98000", "97000", "101000"}
	prev := stop
	for _, p := range prices {
		stop = TrailedStop(SideLong, stop, d(p), palma)
		assert.True(t, stop.GreaterThanOrEqual(prev), "stop regressed at price %s", p)
		prev = stop
	}
	// Highest price seen was 101000, so the stop trails one palma behind it.
	assert.True(t, stop.Equal(d("99000")), "got %s", stop)
}

func TestTrailedStopShortIsNonIncreasing(t *testing.T) {
	palma := d("2000")
	stop := d("97000")

	prices := []string{"95000", "93500", "94500", "91000", "92000"}
	prev := stop
	for _, p := range prices {
		stop = TrailedStop(SideShort, stop, d(p), palma)
		assert.True(t, stop.LessThanOrEqual(prev), "stop regressed at price %s", p)
		prev = stop
	}
	assert.True(t, stop.Equal(d("93000")), "got %s", stop)
}

func TestStopBreached(t *testing.T) {
	assert.True(t, StopBreached(SideLong, d("93000"), d("93000")))
	assert.True(t, StopBreached(SideLong, d("93000"), d("92500")))
	assert.False(t, StopBreached(SideLong, d("93000"), d("93001")))

	assert.True(t, StopBreached(SideShort, d("97000"), d("97000")))
	assert.True(t, StopBreached(SideShort, d("97000"), d("98000")))
	assert.False(t, StopBreached(SideShort, d("97000"), d("96999")))
}

func TestGainReached(t *testing.T) {
	gain := d("99000")
	assert.False(t, GainReached(SideLong, nil, d("100000")))
	assert.True(t, GainReached(SideLong, &gain, d("99000")))
	assert.False(t, GainReached(SideLong, &gain, d("98999")))

	shortGain := d("91000")
	assert.True(t, GainReached(SideShort, &shortGain, d("90000")))
	assert.False(t, GainReached(SideShort, &shortGain, d("91500")))
}
