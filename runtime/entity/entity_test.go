package entity_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driveline-ai/driveline/runtime/entity"
)

func TestParseBudget(t *testing.T) {
	cases := []struct {
		text string
		want float64
	}{
		{"my budget is $25,000", 25000},
		{"something around $18,500.50", 18500.50},
		{"under 30k please", 30000},
		{"$22k max", 22000},
		{"around 25000", 25000},
		{"price range of $40,000", 40000},
		{"no more than 15000", 15000},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			q := entity.Parse(tc.text)
			require.NotNil(t, q.Budget, "no budget extracted")
			require.Equal(t, tc.want, *q.Budget)
			require.True(t, q.HasStrongSignals)
		})
	}
}

func TestParseNoBudget(t *testing.T) {
	for _, text := range []string{
		"do you have anything nice",
		"I drove 25000 miles last year", // bare number without a cue
		"looking at a 2022",             // year, not money
	} {
		q := entity.Parse(text)
		require.Nil(t, q.Budget, "unexpected budget for %q", text)
	}
}

func TestParsePriceRange(t *testing.T) {
	q := entity.Parse("something between $20,000 and $30,000")
	require.NotNil(t, q.PriceLow)
	require.NotNil(t, q.PriceHigh)
	require.Equal(t, 20000.0, *q.PriceLow)
	require.Equal(t, 30000.0, *q.PriceHigh)
	require.NotNil(t, q.Budget)
	require.Equal(t, 30000.0, *q.Budget)

	q = entity.Parse("20k to 35k")
	require.NotNil(t, q.PriceLow)
	require.Equal(t, 20000.0, *q.PriceLow)
	require.Equal(t, 35000.0, *q.PriceHigh)

	// A year span is not a price range.
	q = entity.Parse("a 2018 to 2022 model")
	require.Nil(t, q.PriceLow)
	require.Nil(t, q.PriceHigh)
}

func TestParseMakeAndModel(t *testing.T) {
	q := entity.Parse("Do you have a Toyota Tacoma?")
	require.Equal(t, "toyota", q.Make)
	require.Equal(t, "tacoma", q.Model)
	require.True(t, q.HasStrongSignals)

	// Naming a model fills the make.
	q = entity.Parse("looking for a used civic")
	require.Equal(t, "honda", q.Make)
	require.Equal(t, "civic", q.Model)

	// The longest model mention wins.
	q = entity.Parse("how about a grand cherokee")
	require.Equal(t, "grand cherokee", q.Model)
	require.Equal(t, "jeep", q.Make)

	// Aliases canonicalize.
	q = entity.Parse("any chevy on the lot")
	require.Equal(t, "chevrolet", q.Make)
	require.Empty(t, q.Model)
}

func TestParseYear(t *testing.T) {
	q := entity.Parse("a 2021 or newer")
	require.Equal(t, 2021, q.Year)
	require.True(t, q.HasStrongSignals)

	q = entity.Parse("I paid 3000 for my last car")
	require.Zero(t, q.Year)
}

func TestParseBodyType(t *testing.T) {
	cases := map[string]string{
		"any trucks in stock":        "truck",
		"looking for a pickup":       "truck",
		"do you have SUVs":           "suv",
		"a crossover would be great": "suv",
		"small sedans only":          "sedan",
		"a minivan for the kids":     "minivan",
	}
	for text, want := range cases {
		q := entity.Parse(text)
		require.Equal(t, want, q.BodyType, "text %q", text)
		require.True(t, q.HasStrongSignals)
	}
}

func TestParseFeatures(t *testing.T) {
	q := entity.Parse("needs AWD and a sunroof, leather would be nice")
	require.Equal(t, []string{"awd", "sunroof", "leather"}, q.Features)

	// Features alone are not strong signals.
	require.False(t, q.HasStrongSignals)
}

func TestParseCombined(t *testing.T) {
	q := entity.Parse("Looking for a 2022 Tacoma under $35k with a tow package")
	require.Equal(t, "tacoma", q.Model)
	require.Equal(t, "toyota", q.Make)
	require.Equal(t, 2022, q.Year)
	require.NotNil(t, q.Budget)
	require.Equal(t, 35000.0, *q.Budget)
	require.Contains(t, q.Features, "tow package")
	require.True(t, q.HasStrongSignals)
}

func TestParseEmpty(t *testing.T) {
	q := entity.Parse("thanks!")
	require.False(t, q.HasStrongSignals)
	require.Nil(t, q.Budget)
	require.Empty(t, q.Make)
	require.Empty(t, q.Model)
	require.Zero(t, q.Year)
	require.Empty(t, q.BodyType)
	require.Empty(t, q.Features)
}
