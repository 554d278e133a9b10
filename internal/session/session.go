// Package session answers whether any configured exchange is trading.
package session

import (
	"log/slog"
	"strings"
	"time"

	"github.com/scmhub/calendar"
)

const defaultMIC = "xnys"

// Clock reports market hours over a set of exchange calendars.
type Clock struct {
	mics []string
	cals []*calendar.Calendar
}

func lookup(mic string) *calendar.Calendar {
	if cal := calendar.GetCalendar(mic); cal != nil {
		return cal
	}
	if build, ok := local[mic]; ok {
		return build()
	}
	return nil
}

// New loads calendars by ISO 10383 MIC. Unknown MICs fall back to xnys.
func New(log *slog.Logger, mics ...string) *Clock {
	if log == nil {
		log = slog.Default()
	}
	if len(mics) == 0 {
		mics = []string{defaultMIC}
	}
	c := &Clock{}
	seen := map[string]bool{}
	for _, mic := range mics {
		mic = strings.ToLower(strings.TrimSpace(mic))
		cal := lookup(mic)
		if cal == nil {
			log.Warn("unknown exchange calendar, using xnys", "mic", mic)
			mic = defaultMIC
			cal = calendar.GetCalendar(defaultMIC)
		}
		if cal == nil || seen[mic] {
			continue
		}
		seen[mic] = true
		c.mics = append(c.mics, mic)
		c.cals = append(c.cals, cal)
	}
	return c
}

func (c *Clock) MICs() []string { return append([]string(nil), c.mics...) }

// Open is true when at least one exchange is in session at t.
// With no calendar loaded it falls back to Mon-Fri.
func (c *Clock) Open(t time.Time) bool {
	if len(c.cals) == 0 {
		wd := t.UTC().Weekday()
		return wd != time.Saturday && wd != time.Sunday
	}
	for _, cal := range c.cals {
		if isOpen(cal, t) {
			return true
		}
	}
	return false
}

// isOpen evaluates t on the exchange's wall clock; the calendar reads
// session hours in whatever zone t carries.
func isOpen(cal *calendar.Calendar, t time.Time) bool {
	return cal.IsOpen(t.In(cal.Loc))
}

// OpenAt reports per exchange status, used by the status endpoint.
func (c *Clock) OpenAt(t time.Time) map[string]bool {
	out := make(map[string]bool, len(c.cals))
	for i, cal := range c.cals {
		out[c.mics[i]] = isOpen(cal, t)
	}
	return out
}
