package txn

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInput_Parse(t *testing.T) {
	in := Input{
		ID:             "T1",
		Amount:         "150000.50",
		Timestamp:      "2024-03-04 11:30:00",
		DepartmentID:   "PWD",
		VendorID:       "Acme Infra",
		VendorCategory: "construction",
		ProjectID:      "P-9",
	}

	tx, err := in.Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, "T1", tx.ID)
	assert.Equal(t, "150000.5", tx.Amount.String())
	assert.Equal(t, time.Date(2024, 3, 4, 11, 30, 0, 0, time.UTC), tx.Timestamp)
	assert.Equal(t, "P-9", tx.ProjectID)
	assert.Empty(t, tx.CanonicalVendor)
}

func TestInput_Parse_FillsUnknown(t *testing.T) {
	tx, err := Input{ID: "T1", Amount: "10", Timestamp: "2024-03-04T11:30:00Z"}.Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Unknown, tx.DepartmentID)
	assert.Equal(t, Unknown, tx.VendorID)
	assert.Equal(t, Unknown, tx.VendorCategory)
	assert.Empty(t, tx.ProjectID)
}

func TestInput_Parse_Errors(t *testing.T) {
	tests := []struct {
		name  string
		in    Input
		field string
	}{
		{"missing id", Input{Amount: "1", Timestamp: "2024-01-01T00:00:00Z"}, "id"},
		{"missing amount", Input{ID: "a", Timestamp: "2024-01-01T00:00:00Z"}, "amount"},
		{"non-numeric amount", Input{ID: "a", Amount: "abc", Timestamp: "2024-01-01T00:00:00Z"}, "amount"},
		{"negative amount", Input{ID: "a", Amount: "-5", Timestamp: "2024-01-01T00:00:00Z"}, "amount"},
		{"missing timestamp", Input{ID: "a", Amount: "1"}, "timestamp"},
		{"bad timestamp", Input{ID: "a", Amount: "1", Timestamp: "yesterday"}, "timestamp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.in.Parse(nil)
			require.Error(t, err)
			var ie *InputError
			require.True(t, errors.As(err, &ie))
			assert.Equal(t, tt.field, ie.Field)
		})
	}
}

func TestParseTimestamp_Layouts(t *testing.T) {
	want := time.Date(2024, 3, 4, 22, 15, 0, 0, time.UTC)
	for _, s := range []string{
		"2024-03-04T22:15:00Z",
		"2024-03-04T22:15:00",
		"2024-03-04 22:15:00",
		"03/04/2024 22:15",
		"2024/03/04 22:15:00",
	} {
		got, err := ParseTimestamp(s, time.UTC)
		require.NoError(t, err, s)
		assert.True(t, want.Equal(got), s)
	}
}

func TestRawAmount_UnmarshalJSON(t *testing.T) {
	var in Input
	require.NoError(t, json.Unmarshal([]byte(`{"id":"a","amount":1500.25}`), &in))
	assert.Equal(t, RawAmount("1500.25"), in.Amount)

	require.NoError(t, json.Unmarshal([]byte(`{"id":"a","amount":"abc"}`), &in))
	assert.Equal(t, RawAmount("abc"), in.Amount)

	require.NoError(t, json.Unmarshal([]byte(`{"id":"a","amount":null}`), &in))
	assert.Equal(t, RawAmount(""), in.Amount)
}

func TestSignalType_Category(t *testing.T) {
	for _, s := range []SignalType{SignalDuplicate, SignalOffHours, SignalHighFrequency, SignalContractSplit} {
		assert.Equal(t, CategoryRule, s.Category(), s)
	}
	for _, s := range []SignalType{SignalStatOutlier, SignalMLAnomaly, SignalRoundNumber} {
		assert.Equal(t, CategoryProbabilistic, s.Category(), s)
	}
	assert.Equal(t, 0, SignalDuplicate.Rank())
	assert.Equal(t, 6, SignalRoundNumber.Rank())
}
