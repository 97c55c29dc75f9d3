package currency

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMarkup_Default(t *testing.T) {
	table, err := ParseMarkup(DefaultMarkupSpec)
	require.NoError(t, err)
	require.Len(t, table.Tiers, 5)
	assert.False(t, table.Tiers[0].Inclusive)
	assert.True(t, table.Tiers[2].Inclusive)
	assert.True(t, d("1.15").Equal(table.Above))
}

func TestParseMarkup_Empty(t *testing.T) {
	table, err := ParseMarkup("")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(1).Equal(table.Multiplier(d("42"))))
}

func TestParseMarkup_Errors(t *testing.T) {
	tests := []struct {
		name string
		def  string
	}{
		{name: "missing equals", def: "lt:1000"},
		{name: "bad multiplier", def: "lt:1000=x"},
		{name: "zero multiplier", def: "lt:1000=0"},
		{name: "unknown bound", def: "gt:1000=2"},
		{name: "missing colon", def: "1000=2"},
		{name: "descending limits", def: "lt:5000=2,lt:1000=3"},
		{name: "duplicate above", def: "*=1.1,*=1.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMarkup(tt.def)
			require.Error(t, err)
		})
	}
}

func TestMarkupTable_Multiplier(t *testing.T) {
	table := DefaultMarkup()

	tests := []struct {
		amount string
		want   string
	}{
		{"0", "3"},
		{"999.99", "3"},
		{"1000", "2"},
		{"5000", "1.4"},
		{"10000", "1.4"},
		{"10000.01", "1.3"},
		{"25000", "1.3"},
		{"50000", "1.2"},
		{"50000.01", "1.15"},
		{"1000000", "1.15"},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			got := table.Multiplier(d(tt.amount))
			assert.True(t, d(tt.want).Equal(got), "got %s, want %s", got, tt.want)
		})
	}
}
