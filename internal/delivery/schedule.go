package delivery

import "time"

// Schedule is the fixed retry backoff: entry i is the delay after attempt i+1
// fails. One more attempt than the schedule length is allowed in total.
type Schedule []time.Duration

// DefaultSchedule retries after 30s, 2m, 10m and 30m.
var DefaultSchedule = Schedule{
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
}

// MaxAttempts is the total number of attempts before a delivery fails.
func (s Schedule) MaxAttempts() int {
	return len(s) + 1
}

// Next returns when the attempt after attemptNumber should run. ok is false
// once attemptNumber has used up the schedule.
func (s Schedule) Next(attemptNumber int, from time.Time) (next time.Time, ok bool) {
	if attemptNumber < 1 || attemptNumber >= s.MaxAttempts() {
		return time.Time{}, false
	}
	return from.Add(s[attemptNumber-1]), true
}
