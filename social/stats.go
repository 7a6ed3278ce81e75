package social

import "time"

// TieSentinel is reported as the top contributor when no single sender has
// strictly the most events (including an empty log).
const TieSentinel = "(tie)"

// Stats summarizes one run of the stream.
type Stats struct {
	TotalEvents    int           `json:"total_events"`
	RunTime        time.Duration `json:"run_time_ns"`
	EventsPerMin   float64       `json:"events_per_min"`
	TopContributor string        `json:"top_contributor"`
	TopCount       int           `json:"top_count"`
}

// Minutes returns RunTime in fractional minutes.
func (s Stats) Minutes() float64 {
	return s.RunTime.Minutes()
}

// ComputeStats derives run statistics from an event log.
func ComputeStats(events []Event, runTime time.Duration) Stats {
	if runTime < 0 {
		runTime = 0
	}
	name, count := TopContributor(events)
	return Stats{
		TotalEvents:    len(events),
		RunTime:        runTime,
		EventsPerMin:   EventsPerMinute(len(events), runTime.Minutes()),
		TopContributor: name,
		TopCount:       count,
	}
}

// TopContributor returns the sender with strictly the most events and that
// count. On a tie between the top two, or an empty log, it returns
// TieSentinel with the highest count seen.
func TopContributor(events []Event) (string, int) {
	counts := make(map[string]int)
	for _, ev := range events {
		counts[ev.Username]++
	}
	best, bestCount, second := TieSentinel, 0, 0
	for name, n := range counts {
		switch {
		case n > bestCount:
			second = bestCount
			best, bestCount = name, n
		case n > second:
			second = n
		}
	}
	if bestCount == 0 || bestCount == second {
		return TieSentinel, bestCount
	}
	return best, bestCount
}

// EventsPerMinute returns total/minutes, or 0 when no time has elapsed.
func EventsPerMinute(total int, minutes float64) float64 {
	if minutes <= 0 {
		return 0
	}
	return float64(total) / minutes
}
