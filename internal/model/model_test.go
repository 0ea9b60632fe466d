package model

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func pos(maker, taker float64) Position {
	return Position{Maker: d(maker), Taker: d(taker)}
}

func assertDec(t *testing.T, want, got decimal.Decimal) {
	t.Helper()
	assert.True(t, want.Equal(got), "want %s, got %s", want, got)
}

func TestPosition_Next(t *testing.T) {
	pre := PrePosition{OracleVersion: 3}
	pre.IncreaseOpen(3, Maker, d(10))
	pre.IncreaseClose(3, Taker, d(2))

	next := pos(1, 5).Next(pre)
	assertDec(t, d(11), next.Maker)
	assertDec(t, d(3), next.Taker)
}

func TestPosition_SocializationFactor(t *testing.T) {
	tests := []struct {
		name string
		p    Position
		want float64
	}{
		{"no takers", pos(10, 0), 1},
		{"empty", pos(0, 0), 1},
		{"covered", pos(10, 5), 1},
		{"half covered", pos(5, 10), 0.5},
		{"no makers", pos(0, 5), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertDec(t, d(tt.want), tt.p.SocializationFactor())
		})
	}
}

func TestPosition_Notional_UsesAbsolutePrice(t *testing.T) {
	assertDec(t, d(50), pos(2, 3).Notional(d(-10)))
}

func TestPrePosition_IsEmpty(t *testing.T) {
	var pre PrePosition
	assert.True(t, pre.IsEmpty(), "zero pre-position should be empty")
	pre.IncreaseOpen(1, Taker, d(1))
	assert.False(t, pre.IsEmpty(), "pre-position with an open should not be empty")
}

func TestSide_Opposite(t *testing.T) {
	assert.Equal(t, Taker, Maker.Opposite())
	assert.Equal(t, Maker, Taker.Opposite())
}

func TestAccumulator_Weighted(t *testing.T) {
	a := Accumulator{Maker: d(0.5), Taker: d(-2)}
	w := a.Weighted(pos(4, 3))
	assertDec(t, d(2), w.Maker)
	assertDec(t, d(-6), w.Taker)
	assertDec(t, d(-4), w.Sum())
}

func TestDeferred_StageAndResolve(t *testing.T) {
	fee := Deferred[decimal.Decimal]{Applied: d(0.01)}
	assert.False(t, fee.Resolve(), "resolve without a staged value should report no change")

	fee.Stage(d(0.02))
	assertDec(t, d(0.01), fee.Applied)
	assert.True(t, fee.Resolve())
	assertDec(t, d(0.02), fee.Applied)
	assert.Nil(t, fee.Pending)
}

func TestDeferred_JSONOmitsEmptyPending(t *testing.T) {
	fee := Deferred[decimal.Decimal]{Applied: d(0.01)}
	data, err := json.Marshal(fee)
	require.NoError(t, err)
	assert.JSONEq(t, `{"applied":"0.01"}`, string(data))
}
