package storage_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librarysys/lending-go/lending/storage"
)

func Test_Normalize_ConvertsToCanonicalTypes(t *testing.T) {
	// arrange
	at := time.Date(2026, 5, 6, 7, 8, 9, 10, time.FixedZone("CET", 3600))
	id := uuid.MustParse("0192a6b4-7e31-7c2e-9a8f-1f2e3d4c5b6a")

	// act
	values, err := storage.Normalize(storage.Values{
		"count":  3,
		"at":     at,
		"id":     id,
		"absent": (*time.Time)(nil),
		"flag":   true,
	})

	// assert
	require.NoError(t, err)
	assert.Equal(t, int64(3), values["count"])
	assert.Equal(t, "2026-05-06T06:08:09.000000010Z", values["at"])
	assert.Equal(t, id.String(), values["id"])
	assert.Nil(t, values["absent"])
	assert.Equal(t, true, values["flag"])
}

func Test_Normalize_RejectsUnsupportedTypes(t *testing.T) {
	_, err := storage.Normalize(storage.Values{"bad": []string{"a"}})

	assert.ErrorIs(t, err, storage.ErrUnsupportedValue)
}

func Test_EncodeDecodeValues_KeepsIntegers(t *testing.T) {
	encoded, err := storage.EncodeValues(storage.Values{"n": int64(42), "f": 1.5, "s": "x", "b": false})
	require.NoError(t, err)

	decoded, err := storage.DecodeValues(encoded)
	require.NoError(t, err)

	assert.Equal(t, int64(42), decoded["n"])
	assert.Equal(t, 1.5, decoded["f"])
	assert.Equal(t, "x", decoded["s"])
	assert.Equal(t, false, decoded["b"])
}

func Test_FormatTime_SortsLexicographically(t *testing.T) {
	early := storage.FormatTime(time.Date(2026, 1, 1, 0, 0, 0, 900000000, time.UTC))
	late := storage.FormatTime(time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC))

	assert.Less(t, early, late)

	parsed, err := storage.ParseTime(late)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC), parsed)
}
