package timeline

import (
	"fmt"
	"time"
)

// Interval is a half-open time span [Start, End). An interval with
// End <= Start is empty and never appears in rendered output.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (iv Interval) Empty() bool {
	return !iv.End.After(iv.Start)
}

// Overlaps reports whether the two half-open intervals share any instant.
func (iv Interval) Overlaps(o Interval) bool {
	return iv.End.After(o.Start) && iv.Start.Before(o.End)
}

// Clip restricts iv to the bounds of o. The result may be empty.
func (iv Interval) Clip(o Interval) Interval {
	out := iv
	if o.Start.After(out.Start) {
		out.Start = o.Start
	}
	if o.End.Before(out.End) {
		out.End = o.End
	}
	return out
}

// Abuts reports whether o starts exactly where iv ends.
func (iv Interval) Abuts(o Interval) bool {
	return iv.End.Equal(o.Start)
}

func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

func (iv Interval) String() string {
	return fmt.Sprintf("[%s, %s)", iv.Start.Format(time.RFC3339), iv.End.Format(time.RFC3339))
}
