// Package replytiming decides when a generated reply is delivered and owns
// the timers that carry delayed sends to the wire.
package replytiming

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/driveline-ai/driveline/runtime/settings"
)

type (
	// Config is the delivery timing policy for one dealership, assembled
	// from its resolved settings.
	Config struct {
		// Mode is one of the settings.Timing* values.
		Mode string
		// DelaySeconds is the base delay applied in custom_delay mode.
		DelaySeconds int
		// BusinessStart opens the staffed window in business_hours mode.
		BusinessStart settings.TimeOfDay
		// BusinessEnd closes the staffed window. End before start wraps
		// past midnight.
		BusinessEnd settings.TimeOfDay
		// BusinessDelaySeconds is the base delay applied inside the window.
		BusinessDelaySeconds int
		// Timezone locates the window. Nil falls back to UTC.
		Timezone *time.Location
	}

	// Decision is the outcome of Decide for a single reply.
	Decision struct {
		// Instant means the reply goes out now, with no timer.
		Instant bool
		// Delay is how long to hold the reply when Instant is false.
		Delay time.Duration
	}

	// Planner computes delivery decisions. Safe for concurrent use.
	Planner struct {
		mu  sync.Mutex
		rng *rand.Rand
	}

	// PlannerOption configures a Planner.
	PlannerOption func(*Planner)
)

// jitterSeconds bounds the random spread added to every computed delay.
const jitterSeconds = 15

// MaxJitter is the widest amount a delay can move in either direction.
const MaxJitter = jitterSeconds * time.Second

// Customers asking for facts get an answer right away no matter the mode.
var transactionalTerms = []string{
	"hours", "stock", "price", "address", "phone",
	"open", "available", "appointment",
}

// WithRand replaces the jitter source. Tests pass a seeded generator to
// make delays reproducible.
func WithRand(rng *rand.Rand) PlannerOption {
	return func(p *Planner) { p.rng = rng }
}

// NewPlanner returns a Planner seeded from the current time.
func NewPlanner(opts ...PlannerOption) *Planner {
	p := &Planner{}
	for _, opt := range opts {
		opt(p)
	}
	if p.rng == nil {
		//nolint:gosec // jitter needs no crypto rand
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return p
}

// ParseConfig assembles a Config from resolved setting values keyed by the
// settings.Key* names. Every timing key must be present; resolvers always
// return at least the catalog default.
func ParseConfig(values map[string]string) (Config, error) {
	var cfg Config

	mode, ok := values[settings.KeyReplyTimingMode]
	if !ok {
		return Config{}, fmt.Errorf("replytiming: missing setting %s", settings.KeyReplyTimingMode)
	}
	cfg.Mode = mode

	var err error
	if cfg.DelaySeconds, err = intValue(values, settings.KeyReplyDelaySeconds); err != nil {
		return Config{}, err
	}
	if cfg.BusinessDelaySeconds, err = intValue(values, settings.KeyBusinessHoursDelay); err != nil {
		return Config{}, err
	}
	if cfg.BusinessStart, err = timeValue(values, settings.KeyBusinessHoursStart); err != nil {
		return Config{}, err
	}
	if cfg.BusinessEnd, err = timeValue(values, settings.KeyBusinessHoursEnd); err != nil {
		return Config{}, err
	}

	tz, ok := values[settings.KeyTimezone]
	if !ok {
		return Config{}, fmt.Errorf("replytiming: missing setting %s", settings.KeyTimezone)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Config{}, fmt.Errorf("replytiming: invalid timezone %q: %w", tz, err)
	}
	cfg.Timezone = loc

	return cfg, nil
}

// Decide returns the delivery decision for one reply to the given inbound
// text at the given instant.
func (p *Planner) Decide(cfg Config, text string, now time.Time) Decision {
	if transactional(text) {
		return Decision{Instant: true}
	}
	switch cfg.Mode {
	case settings.TimingCustomDelay:
		return p.delayed(cfg.DelaySeconds)
	case settings.TimingBusinessHours:
		if withinWindow(now, cfg) {
			return p.delayed(cfg.BusinessDelaySeconds)
		}
		return Decision{Instant: true}
	default:
		return Decision{Instant: true}
	}
}

func (p *Planner) delayed(seconds int) Decision {
	if seconds < 0 {
		seconds = 0
	}
	if seconds > settings.MaxDelaySeconds {
		seconds = settings.MaxDelaySeconds
	}
	d := time.Duration(seconds)*time.Second + p.jitter()
	if d <= 0 {
		return Decision{Instant: true}
	}
	return Decision{Delay: d}
}

// jitter returns a whole-second duration uniform in [-MaxJitter, MaxJitter].
func (p *Planner) jitter() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.rng.Intn(2*jitterSeconds+1)-jitterSeconds) * time.Second
}

func withinWindow(now time.Time, cfg Config) bool {
	loc := cfg.Timezone
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()
	start := cfg.BusinessStart.Minutes()
	end := cfg.BusinessEnd.Minutes()
	if start <= end {
		return minute >= start && minute <= end
	}
	// Overnight window, e.g. 20:00 to 04:00.
	return minute >= start || minute <= end
}

func transactional(text string) bool {
	lowered := strings.ToLower(text)
	for _, term := range transactionalTerms {
		if containsWord(lowered, term) {
			return true
		}
	}
	return false
}

// containsWord reports whether term appears in lowered text bounded by
// non-letter runes.
func containsWord(text, term string) bool {
	for start := 0; ; {
		i := strings.Index(text[start:], term)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(term)
		beforeOK := i == 0 || !unicode.IsLetter(rune(text[i-1]))
		afterOK := end == len(text) || !unicode.IsLetter(rune(text[end]))
		if beforeOK && afterOK {
			return true
		}
		start = i + 1
	}
}

func intValue(values map[string]string, key string) (int, error) {
	raw, ok := values[key]
	if !ok {
		return 0, fmt.Errorf("replytiming: missing setting %s", key)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("replytiming: invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func timeValue(values map[string]string, key string) (settings.TimeOfDay, error) {
	raw, ok := values[key]
	if !ok {
		return settings.TimeOfDay{}, fmt.Errorf("replytiming: missing setting %s", key)
	}
	tod, err := settings.ParseTimeOfDay(raw)
	if err != nil {
		return settings.TimeOfDay{}, fmt.Errorf("replytiming: invalid %s %q: %w", key, raw, err)
	}
	return tod, nil
}
