package dashboard

import (
	"sort"
	"time"
)

// PreviewSize is how many upcoming appointments a dashboard lists.
const PreviewSize = 3

// Summary is the headline numbers of a dashboard.
type Summary struct {
	Total   int
	Today   int
	Next    *Appointment
	Preview []Appointment
}

var appointmentLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseAppointmentDate accepts the date shapes the backend emits. Values
// without a zone are read in loc.
func ParseAppointmentDate(s string, loc *time.Location) (time.Time, bool) {
	for _, layout := range appointmentLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Summarize orders appointments soonest first and counts those on now's
// calendar day. Unparseable dates sort last.
func Summarize(appts []Appointment, now time.Time) Summary {
	type dated struct {
		a  Appointment
		t  time.Time
		ok bool
	}
	list := make([]dated, len(appts))
	for i, a := range appts {
		t, ok := ParseAppointmentDate(a.AppointmentDate, now.Location())
		list[i] = dated{a: a, t: t, ok: ok}
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].ok != list[j].ok {
			return list[i].ok
		}
		return list[i].t.Before(list[j].t)
	})

	s := Summary{Total: len(appts)}
	y, m, d := now.Date()
	for _, it := range list {
		if !it.ok {
			continue
		}
		if ty, tm, td := it.t.Date(); ty == y && tm == m && td == d {
			s.Today++
		}
	}
	n := PreviewSize
	if len(list) < n {
		n = len(list)
	}
	s.Preview = make([]Appointment, n)
	for i := 0; i < n; i++ {
		s.Preview[i] = list[i].a
	}
	if n > 0 {
		next := s.Preview[0]
		s.Next = &next
	}
	return s
}
