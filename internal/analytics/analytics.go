package analytics

import (
	"database/sql"
	"fmt"
	"math"
	"sort"

	"github.com/lucasnoah/reqforge/internal/db"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
	Rebind(query string) string
}

// Summary aggregates executions by status and outcome.
type Summary struct {
	Total           int            `json:"total"`
	ByStatus        map[string]int `json:"by_status"`
	ByOutcome       map[string]int `json:"by_outcome"`
	AvgIterations   float64        `json:"avg_iterations"`
	AvgQualityScore float64        `json:"avg_quality_score"`
	// PassRate is the share of completed executions that produced an SRS.
	PassRate float64 `json:"pass_rate_pct"`
}

// Summarize returns execution counts and averages. since filters on
// created_at and is a timestamp in db.TimeLayout, or empty for all time.
func Summarize(database DB, since string) (*Summary, error) {
	query := `SELECT status, outcome, iteration_count, quality_score FROM executions`
	args := []interface{}{}
	if since != "" {
		query += ` WHERE created_at >= ?`
		args = append(args, since)
	}

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	s := &Summary{ByStatus: map[string]int{}, ByOutcome: map[string]int{}}
	var iterations []float64
	var scores []float64
	for rows.Next() {
		var status, outcome string
		var iteration int
		var score sql.NullFloat64
		if err := rows.Scan(&status, &outcome, &iteration, &score); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		s.Total++
		s.ByStatus[status]++
		if outcome != "" {
			s.ByOutcome[outcome]++
		}
		iterations = append(iterations, float64(iteration))
		if score.Valid {
			scores = append(scores, score.Float64)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.AvgIterations = avg(iterations)
	s.AvgQualityScore = math.Round(mean(scores)*100) / 100
	s.PassRate = pct(s.ByOutcome["srs"], s.ByStatus["completed"])
	return s, nil
}

// RoleCallStats holds provider attempt stats for one role.
type RoleCallStats struct {
	Role      string  `json:"role"`
	Attempts  int     `json:"attempts"`
	Actions   int     `json:"actions"`
	Retries   int     `json:"retries"`
	Transient int     `json:"transient"`
	Permanent int     `json:"permanent"`
	AvgMs     float64 `json:"avg_ms"`
	P50Ms     float64 `json:"p50_ms"`
	P95Ms     float64 `json:"p95_ms"`
}

// QueryRoleCallStats returns attempts, retries and failures per role.
// An action counts once per execution however many attempts it took;
// every attempt after the first is a retry.
func QueryRoleCallStats(database DB, since string) ([]RoleCallStats, error) {
	query := `SELECT role, attempt, outcome, duration_ms FROM role_calls`
	args := []interface{}{}
	if since != "" {
		query += ` WHERE timestamp >= ?`
		args = append(args, since)
	}

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query role calls: %w", err)
	}
	defer rows.Close()

	type roleData struct {
		stats     RoleCallStats
		durations []float64
	}
	byRole := make(map[string]*roleData)
	for rows.Next() {
		var role, outcome string
		var attempt int
		var durationMs int64
		if err := rows.Scan(&role, &attempt, &outcome, &durationMs); err != nil {
			return nil, fmt.Errorf("scan role call: %w", err)
		}
		rd, ok := byRole[role]
		if !ok {
			rd = &roleData{stats: RoleCallStats{Role: role}}
			byRole[role] = rd
		}
		rd.stats.Attempts++
		if attempt == 1 {
			rd.stats.Actions++
		} else {
			rd.stats.Retries++
		}
		switch outcome {
		case db.CallTransient:
			rd.stats.Transient++
		case db.CallPermanent:
			rd.stats.Permanent++
		}
		rd.durations = append(rd.durations, float64(durationMs))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	results := make([]RoleCallStats, 0, len(byRole))
	for _, rd := range byRole {
		sort.Float64s(rd.durations)
		rd.stats.AvgMs = avg(rd.durations)
		rd.stats.P50Ms = percentile(rd.durations, 50)
		rd.stats.P95Ms = percentile(rd.durations, 95)
		results = append(results, rd.stats)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Role < results[j].Role
	})
	return results, nil
}

// PhaseDuration holds duration stats for a phase.
type PhaseDuration struct {
	Phase   string  `json:"phase"`
	Count   int     `json:"count"`
	AvgSecs float64 `json:"avg_seconds"`
	P50Secs float64 `json:"p50_seconds"`
	P95Secs float64 `json:"p95_seconds"`
}

// QueryPhaseDurations returns average and percentile time spent per phase
// visit. A visit starts at a phase_entered event and ends at the next
// phase_entered, completed or failed event of the same execution.
func QueryPhaseDurations(database DB, since string) ([]PhaseDuration, error) {
	query := `SELECT execution_id, event, phase, timestamp FROM pipeline_events
		WHERE event IN ('phase_entered', 'completed', 'failed')`
	args := []interface{}{}
	if since != "" {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}
	query += ` ORDER BY execution_id, id`

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query phase durations: %w", err)
	}
	defer rows.Close()

	type visit struct {
		execution, phase, start string
	}
	var open *visit
	durations := make(map[string][]float64)
	for rows.Next() {
		var executionID, event, phase, ts string
		if err := rows.Scan(&executionID, &event, &phase, &ts); err != nil {
			return nil, fmt.Errorf("scan phase event: %w", err)
		}
		if open != nil && open.execution == executionID {
			start, err1 := db.ParseTime(open.start)
			end, err2 := db.ParseTime(ts)
			if err1 == nil && err2 == nil {
				if secs := end.Sub(start).Seconds(); secs >= 0 {
					durations[open.phase] = append(durations[open.phase], secs)
				}
			}
		}
		open = nil
		if event == "phase_entered" {
			open = &visit{execution: executionID, phase: phase, start: ts}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []PhaseDuration
	for phase, d := range durations {
		sort.Float64s(d)
		results = append(results, PhaseDuration{
			Phase:   phase,
			Count:   len(d),
			AvgSecs: avg(d),
			P50Secs: percentile(d, 50),
			P95Secs: percentile(d, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Phase < results[j].Phase
	})
	return results, nil
}

// --- helpers ---

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func avg(values []float64) float64 {
	return math.Round(mean(values)*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
