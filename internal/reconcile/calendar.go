package reconcile

import (
	"time"

	"github.com/invoicesearchjp/invoicesearch/internal/invoice"
)

// RetentionBusinessDays is how far back upstream keeps daily diff files.
const RetentionBusinessDays = 40

// IsBusinessDay reports whether upstream may publish a diff on d. National
// holidays count as business days here; their missing files are skipped.
func IsBusinessDay(d invoice.Date) bool {
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}

// BusinessDaysAfter lists business days strictly after base, up to and
// including through, in chronological order.
func BusinessDaysAfter(base, through invoice.Date) []invoice.Date {
	var days []invoice.Date
	for d := base.AddDays(1); !d.After(through); d = d.AddDays(1) {
		if IsBusinessDay(d) {
			days = append(days, d)
		}
	}
	return days
}

// CountBusinessDays is len(BusinessDaysAfter(base, through)) without the
// allocation.
func CountBusinessDays(base, through invoice.Date) int {
	n := 0
	for d := base.AddDays(1); !d.After(through); d = d.AddDays(1) {
		if IsBusinessDay(d) {
			n++
		}
	}
	return n
}
