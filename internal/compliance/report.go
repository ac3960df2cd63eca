package compliance

import (
	"context"
	"math"
	"time"
)

// Report aggregates the audit log over a period.
type Report struct {
	Framework          string           `json:"framework"`
	PeriodStart        time.Time        `json:"period_start"`
	PeriodEnd          time.Time        `json:"period_end"`
	GeneratedAt        time.Time        `json:"generated_at"`
	TotalEntries       int              `json:"total_entries"`
	ByCategory         map[Category]int `json:"by_category"`
	ByBasis            map[Basis]int    `json:"by_lawful_basis"`
	Violations         int              `json:"violations"`
	ViolationsByKind   map[string]int   `json:"violations_by_kind"`
	SensitiveEntries   int              `json:"sensitive_entries"`
	EncryptedSensitive int              `json:"encrypted_sensitive"`
	EncryptionRatio    float64          `json:"encryption_ratio"`
	OpenRequests       int              `json:"open_requests"`
	OverdueRequests    int              `json:"overdue_requests"`
	Score              float64          `json:"score"`
	Recommendations    []string         `json:"recommendations"`
}

// Recommendation texts.
const (
	RecommendEncryption = "Encrypt all sensitive-category entries"
	RecommendRetention  = "Review retention: data was processed past its retention period"
	RecommendBasis      = "Record a valid lawful basis, with active consent where consent is the basis"
	RecommendRequests   = "Complete overdue data subject requests"
	RecommendNone       = "No action required"
)

// GenerateReport aggregates entries logged under framework between start and
// end. An empty framework covers every framework.
func (f *Framework) GenerateReport(ctx context.Context, framework string, start, end time.Time) (*Report, error) {
	entries, err := f.store.Entries(ctx, EntryFilter{Framework: framework, Since: start, Until: end, IncludeArchived: true})
	if err != nil {
		return nil, err
	}
	requests, err := f.store.Requests(ctx)
	if err != nil {
		return nil, err
	}

	now := f.now().UTC()
	r := &Report{
		Framework:        framework,
		PeriodStart:      start,
		PeriodEnd:        end,
		GeneratedAt:      now,
		TotalEntries:     len(entries),
		ByCategory:       map[Category]int{},
		ByBasis:          map[Basis]int{},
		ViolationsByKind: map[string]int{},
	}

	violating := 0
	for _, e := range entries {
		r.ByCategory[e.Category]++
		r.ByBasis[e.Basis]++
		if len(e.Violations) > 0 {
			violating++
		}
		for _, v := range e.Violations {
			r.Violations++
			r.ViolationsByKind[v]++
		}
		if e.Category.Sensitive() {
			r.SensitiveEntries++
			if e.Encrypted {
				r.EncryptedSensitive++
			}
		}
	}
	r.EncryptionRatio = 1
	if r.SensitiveEntries > 0 {
		r.EncryptionRatio = float64(r.EncryptedSensitive) / float64(r.SensitiveEntries)
	}

	for _, req := range requests {
		if req.Status != StatusPending && req.Status != StatusProcessing {
			continue
		}
		r.OpenRequests++
		if now.Sub(req.RequestedAt) > f.config.RequestDeadline {
			r.OverdueRequests++
		}
	}

	violationRatio := 0.0
	if r.TotalEntries > 0 {
		violationRatio = float64(violating) / float64(r.TotalEntries)
	}
	r.Score = score(violationRatio, r.EncryptionRatio, r.OverdueRequests)

	if r.EncryptedSensitive < r.SensitiveEntries {
		r.Recommendations = append(r.Recommendations, RecommendEncryption)
	}
	if r.ViolationsByKind[ViolationRetentionExpired] > 0 {
		r.Recommendations = append(r.Recommendations, RecommendRetention)
	}
	if r.ViolationsByKind[ViolationInvalidBasis]+r.ViolationsByKind[ViolationMissingConsent] > 0 {
		r.Recommendations = append(r.Recommendations, RecommendBasis)
	}
	if r.OverdueRequests > 0 {
		r.Recommendations = append(r.Recommendations, RecommendRequests)
	}
	if len(r.Recommendations) == 0 {
		r.Recommendations = []string{RecommendNone}
	}
	return r, nil
}

// score is 100 less half the violating share, 30% of the unencrypted
// sensitive share and 5 points per overdue request, clamped to 0..100.
func score(violationRatio, encryptionRatio float64, overdue int) float64 {
	s := 100*(1-0.5*violationRatio-0.3*(1-encryptionRatio)) - 5*float64(overdue)
	s = math.Max(0, math.Min(100, s))
	return math.Round(s*10) / 10
}

// Score is the compliance score over the trailing 30 days.
func (f *Framework) Score(ctx context.Context) (float64, error) {
	now := f.now().UTC()
	r, err := f.GenerateReport(ctx, "", now.Add(-30*day), now)
	if err != nil {
		return 0, err
	}
	return r.Score, nil
}
