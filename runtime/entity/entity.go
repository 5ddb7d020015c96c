// Package entity extracts vehicle search criteria from free-text messages.
//
// Extraction is lexical: closed vocabularies for makes, models, body types,
// and features, plus regular expressions for money and years. It is meant to
// be fast and predictable, not clever; the language model downstream covers
// what a keyword scan cannot.
package entity

import (
	"regexp"
	"strconv"
	"strings"
)

// VehicleQuery is the structured form of what a customer asked for.
type VehicleQuery struct {
	// Budget is the price ceiling in dollars, nil when none was stated.
	Budget *float64 `json:"budget,omitempty"`
	// PriceLow and PriceHigh bound an explicit range like
	// "between 20k and 30k". Both nil unless a range was stated.
	PriceLow  *float64 `json:"price_low,omitempty"`
	PriceHigh *float64 `json:"price_high,omitempty"`
	// Make is the recognized manufacturer, lowercase.
	Make string `json:"make,omitempty"`
	// Model is the recognized model name, lowercase.
	Model string `json:"model,omitempty"`
	// Year is the requested model year, zero when absent.
	Year int `json:"year,omitempty"`
	// BodyType is the recognized body style, lowercase singular.
	BodyType string `json:"body_type,omitempty"`
	// Features lists the recognized options.
	Features []string `json:"features,omitempty"`
	// HasStrongSignals is true when at least one of model, year, budget,
	// or body type was extracted.
	HasStrongSignals bool `json:"has_strong_signals"`
}

var makes = []string{
	"toyota", "honda", "ford", "chevrolet", "chevy", "nissan", "jeep",
	"ram", "gmc", "bmw", "mercedes", "audi", "volkswagen", "vw",
	"hyundai", "kia", "subaru", "mazda", "lexus", "acura", "tesla",
	"dodge", "chrysler", "buick", "cadillac", "lincoln", "volvo",
	"porsche", "infiniti", "mitsubishi",
}

// makeAliases maps informal names to the canonical make.
var makeAliases = map[string]string{
	"chevy": "chevrolet",
	"vw":    "volkswagen",
}

// modelMakes maps known model names to their manufacturer so naming a model
// also fills the make.
var modelMakes = map[string]string{
	"camry": "toyota", "corolla": "toyota", "tacoma": "toyota",
	"tundra": "toyota", "rav4": "toyota", "highlander": "toyota",
	"4runner": "toyota",
	"civic":   "honda", "accord": "honda", "cr-v": "honda", "crv": "honda",
	"pilot": "honda", "odyssey": "honda",
	"f-150": "ford", "f150": "ford", "mustang": "ford", "explorer": "ford",
	"escape": "ford", "bronco": "ford", "ranger": "ford",
	"silverado": "chevrolet", "equinox": "chevrolet", "tahoe": "chevrolet",
	"malibu": "chevrolet", "suburban": "chevrolet",
	"altima": "nissan", "sentra": "nissan", "rogue": "nissan",
	"pathfinder": "nissan", "frontier": "nissan",
	"wrangler": "jeep", "grand cherokee": "jeep", "cherokee": "jeep",
	"gladiator": "jeep",
	"sierra":    "gmc", "yukon": "gmc", "acadia": "gmc",
	"elantra": "hyundai", "sonata": "hyundai", "tucson": "hyundai",
	"santa fe": "hyundai", "palisade": "hyundai",
	"sorento": "kia", "sportage": "kia", "telluride": "kia",
	"forester": "subaru", "outback": "subaru", "crosstrek": "subaru",
	"impreza": "subaru",
	"cx-5":    "mazda", "cx5": "mazda", "mazda3": "mazda", "miata": "mazda",
	"model 3": "tesla", "model y": "tesla", "model s": "tesla",
	"charger": "dodge", "challenger": "dodge", "durango": "dodge",
	"pacifica": "chrysler",
}

// bodyTypes maps surface forms to the canonical singular body type.
var bodyTypes = map[string]string{
	"sedan": "sedan", "sedans": "sedan",
	"suv": "suv", "suvs": "suv", "crossover": "suv", "crossovers": "suv",
	"truck": "truck", "trucks": "truck", "pickup": "truck", "pickups": "truck",
	"coupe": "coupe", "coupes": "coupe",
	"convertible": "convertible", "convertibles": "convertible",
	"hatchback": "hatchback", "hatchbacks": "hatchback",
	"wagon": "wagon", "wagons": "wagon",
	"minivan": "minivan", "minivans": "minivan",
	"van": "van", "vans": "van",
}

var features = []string{
	"awd", "all-wheel drive", "4wd", "four-wheel drive", "sunroof",
	"moonroof", "leather", "navigation", "tow package", "towing",
	"third row", "heated seats", "backup camera", "bluetooth",
	"apple carplay", "android auto",
}

var (
	// rangeRe matches "between $20,000 and 30k", "20k to 30k", "$20k-$30k".
	rangeRe = regexp.MustCompile(`\$?(\d{1,3}(?:,\d{3})*(?:\.\d+)?)(k)?\s*(?:-|to|and)\s*\$?(\d{1,3}(?:,\d{3})*(?:\.\d+)?)(k)?`)
	// moneyRe matches "$25,000", "$25000.50", "25k", "$25k".
	moneyRe = regexp.MustCompile(`\$(\d{1,3}(?:,\d{3})*(?:\.\d+)?)(k)?|\b(\d{1,3}(?:\.\d+)?)(k)\b`)
	// yearRe matches plausible model years.
	yearRe = regexp.MustCompile(`\b(19[5-9]\d|20[0-3]\d)\b`)
	// budgetCueRe marks phrases that make a bare number a budget.
	budgetCueRe = regexp.MustCompile(`\b(under|below|less than|around|about|budget|price range|max|maximum|up to|no more than)\b`)
	// bareNumberRe matches a plain 4 to 6 digit number.
	bareNumberRe = regexp.MustCompile(`\b(\d{4,6})\b`)
)

// Parse extracts a VehicleQuery from a message.
func Parse(text string) VehicleQuery {
	var q VehicleQuery
	lower := strings.ToLower(text)

	parseMoney(lower, &q)

	if m := yearRe.FindString(lower); m != "" {
		if year, err := strconv.Atoi(m); err == nil {
			q.Year = year
		}
	}

	for model, mk := range modelMakes {
		if containsWord(lower, model) {
			// Prefer the longest model mention ("grand cherokee" over
			// "cherokee").
			if len(model) > len(q.Model) {
				q.Model = model
				q.Make = mk
			}
		}
	}
	if q.Make == "" {
		for _, mk := range makes {
			if containsWord(lower, mk) {
				if canonical, ok := makeAliases[mk]; ok {
					mk = canonical
				}
				q.Make = mk
				break
			}
		}
	}

	for surface, canonical := range bodyTypes {
		if containsWord(lower, surface) {
			q.BodyType = canonical
			break
		}
	}

	for _, f := range features {
		if containsWord(lower, f) {
			q.Features = append(q.Features, f)
		}
	}

	q.HasStrongSignals = q.Model != "" || q.Year != 0 || q.Budget != nil || q.BodyType != ""
	return q
}

// parseMoney fills budget and price range fields from lower.
func parseMoney(lower string, q *VehicleQuery) {
	if m := rangeRe.FindStringSubmatch(lower); m != nil {
		lo := amount(m[1], m[2] != "")
		hi := amount(m[3], m[4] != "")
		// A year span like "2018 to 2022" also matches; require money-like
		// magnitudes or an explicit marker.
		if lo > 0 && hi > lo && (strings.Contains(m[0], "$") || m[2] != "" || m[4] != "") {
			q.PriceLow = &lo
			q.PriceHigh = &hi
			q.Budget = &hi
			return
		}
	}
	matches := moneyRe.FindAllStringSubmatch(lower, -1)
	for _, m := range matches {
		var v float64
		switch {
		case m[1] != "":
			v = amount(m[1], m[2] != "")
		case m[3] != "":
			v = amount(m[3], true)
		}
		if v <= 0 {
			continue
		}
		// A bare "$NN" always counts; a bare "NNk" needs to look like
		// money, which the k suffix already guarantees.
		q.Budget = &v
		return
	}
	// "around 25000" with a cue word but no $ or k suffix.
	if budgetCueRe.MatchString(lower) {
		for _, m := range bareNumberRe.FindAllString(lower, -1) {
			if yearRe.MatchString(m) {
				continue
			}
			if v, err := strconv.ParseFloat(m, 64); err == nil && v >= 1000 {
				q.Budget = &v
				return
			}
		}
	}
}

// amount parses a number with optional thousands separators, multiplying by
// 1000 when the k suffix was present.
func amount(s string, k bool) float64 {
	s = strings.ReplaceAll(s, ",", "")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	if k {
		v *= 1000
	}
	return v
}

// containsWord reports whether lower contains term bounded by non-word
// characters.
func containsWord(lower, term string) bool {
	idx := 0
	for {
		i := strings.Index(lower[idx:], term)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(term)
		beforeOK := start == 0 || !isWordChar(lower[start-1])
		afterOK := end == len(lower) || !isWordChar(lower[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9'
}
