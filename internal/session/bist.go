package session

import (
	"time"

	"github.com/scmhub/calendar"
)

// local holds calendars the calendar package does not ship.
var local = map[string]func() *calendar.Calendar{
	"xist": borsaIstanbul,
}

// borsaIstanbul is the BIST equity session, 10:00-18:00 Istanbul time.
// Multi-day religious holidays only close their first day.
func borsaIstanbul() *calendar.Calendar {
	loc, err := time.LoadLocation("Europe/Istanbul")
	if err != nil {
		loc = time.FixedZone("TRT", 3*60*60)
	}
	c := calendar.NewCalendar("Borsa Istanbul", loc)
	c.SetSession(&calendar.Session{Open: 10 * time.Hour, Close: 18 * time.Hour})
	c.AddHolidays(
		calendar.NewYear,
		onDay("National Sovereignty and Children's Day", time.April, 23),
		calendar.WorkersDay,
		onDay("Youth and Sports Day", time.May, 19),
		onDay("Democracy and National Unity Day", time.July, 15),
		onDay("Victory Day", time.August, 30),
		onDay("Republic Day", time.October, 29),
		calendar.EidAlFitr,
		calendar.EidAlAdha,
	)
	return c
}

func onDay(name string, m time.Month, day int) *calendar.Holiday {
	h := calendar.NewYear.Copy(name)
	h.Month = m
	h.Day = day
	return h
}
