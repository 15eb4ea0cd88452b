package model_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-data-collector/internal/model"
)

func TestFormatTimestamp_UTCMicroseconds(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+8", 8*60*60)
	in := time.Date(2024, 5, 1, 18, 0, 0, 123456789, loc)

	assert.Equal(t, "2024-05-01T10:00:00.123456Z", model.FormatTimestamp(in))
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	ts, err := model.ParseTimestamp("2024-05-01T10:00:00.123456Z")
	require.NoError(t, err)
	assert.True(t, ts.Equal(time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.UTC)))

	_, err = model.ParseTimestamp("2024-05-01 10:00:00")
	require.Error(t, err)
}

func TestEncodeDecode_KeepsExactDigits(t *testing.T) {
	t.Parallel()

	// Arrange
	obs := model.Observation{
		ID:               "1",
		Name:             "Bitcoin",
		Symbol:           "BTC",
		Price:            decimal.RequireFromString("67234.123456789012345678"),
		Volume24h:        decimal.RequireFromString("28123456789.5"),
		PercentChange24h: decimal.RequireFromString("-0.000000000000000001"),
		Timestamp:        model.NewTimestamp(time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.UTC)),
	}

	// Act
	doc, err := model.Encode(obs)
	require.NoError(t, err)
	got, err := model.Decode(doc)

	// Assert
	require.NoError(t, err)
	assert.Contains(t, string(doc), `"price":"67234.123456789012345678"`)
	assert.Contains(t, string(doc), `"timestamp":"2024-05-01T10:00:00.123456Z"`)
	assert.Equal(t, obs.ID, got.ID)
	assert.Equal(t, obs.Name, got.Name)
	assert.Equal(t, obs.Symbol, got.Symbol)
	assert.Equal(t, obs.Price.String(), got.Price.String())
	assert.Equal(t, obs.Volume24h.String(), got.Volume24h.String())
	assert.Equal(t, obs.PercentChange24h.String(), got.PercentChange24h.String())
	assert.True(t, obs.Timestamp.Equal(got.Timestamp.Time))
}

func TestDecode_RejectsMissingID(t *testing.T) {
	t.Parallel()

	_, err := model.Decode([]byte(`{"symbol":"BTC","price":"1","volume24h":"1","percentChange24h":"1","timestamp":"2024-05-01T10:00:00.000000Z"}`))
	require.Error(t, err)
}
