package threat

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
)

type finding struct {
	threatType  Type
	confidence  float64
	indicators  []Indicator
	description string
}

type analyzer struct {
	ruleID string
	run    func(e *Engine, rc *RequestContext, rule DetectionRule) *finding
}

type signature struct {
	name string
	re   *regexp.Regexp
}

var sqlInjectionSignatures = []signature{
	{"union_select", regexp.MustCompile(`(?i)\bunion\b(\s+all)?\s+select\b`)},
	{"boolean_tautology", regexp.MustCompile(`(?i)\b(or|and)\b\s+['"]?\w+['"]?\s*=\s*['"]?\w+['"]?`)},
	{"quote_comment", regexp.MustCompile(`(?i)['"]\s*(--|/\*)`)},
	{"stacked_query", regexp.MustCompile(`(?i);\s*(drop|delete|truncate|alter|insert|update|create)\s`)},
	{"time_delay", regexp.MustCompile(`(?i)\b(sleep|benchmark|pg_sleep)\s*\(|\bwaitfor\s+delay\b`)},
	{"command_exec", regexp.MustCompile(`(?i)\b(xp_cmdshell|exec\s*\(|execute\s+immediate)`)},
	{"schema_probe", regexp.MustCompile(`(?i)\binformation_schema\b|\bsys(objects|columns)\b|\bpg_catalog\b`)},
	{"drop_table", regexp.MustCompile(`(?i)\bdrop\s+(table|database)\b`)},
}

var xssSignatures = []signature{
	{"script_tag", regexp.MustCompile(`(?i)<\s*script[^>]*>`)},
	{"javascript_uri", regexp.MustCompile(`(?i)javascript\s*:`)},
	{"event_handler", regexp.MustCompile(`(?i)\bon(error|load|click|mouseover|focus|blur|submit)\s*=`)},
	{"iframe_tag", regexp.MustCompile(`(?i)<\s*iframe\b`)},
	{"embed_tag", regexp.MustCompile(`(?i)<\s*(object|embed|applet)\b`)},
	{"dom_access", regexp.MustCompile(`(?i)document\.(cookie|location|write|domain)`)},
	{"eval_call", regexp.MustCompile(`(?i)\beval\s*\(`)},
	{"css_expression", regexp.MustCompile(`(?i)expression\s*\(`)},
}

func builtinAnalyzers() []analyzer {
	return []analyzer{
		{ruleID: RuleSQLInjection, run: signatureAnalyzer(TypeSQLInjection, sqlInjectionSignatures, "SQL injection pattern")},
		{ruleID: RuleXSS, run: signatureAnalyzer(TypeXSS, xssSignatures, "Cross-site scripting pattern")},
		{ruleID: RuleBruteForce, run: analyzeBruteForce},
		{ruleID: RuleAnomalous, run: analyzeBehavior},
		{ruleID: RuleDataExfiltration, run: analyzeExfiltration},
	}
}

// scanText concatenates payload, path and header values. Header order is
// fixed so matching is deterministic.
func scanText(rc *RequestContext) string {
	var b strings.Builder
	b.WriteString(rc.Payload)
	b.WriteByte('\n')
	b.WriteString(rc.Path)

	keys := make([]string, 0, len(rc.Headers))
	for k := range rc.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte('\n')
		b.WriteString(rc.Headers[k])
	}
	return b.String()
}

func signatureAnalyzer(t Type, sigs []signature, label string) func(*Engine, *RequestContext, DetectionRule) *finding {
	return func(e *Engine, rc *RequestContext, rule DetectionRule) *finding {
		text := scanText(rc)
		weight := rule.Param("weight", 0.3)

		var inds []Indicator
		for _, sig := range sigs {
			m := sig.re.FindString(text)
			if m == "" {
				continue
			}
			inds = append(inds, Indicator{
				Kind:       IndicatorSignature,
				Name:       sig.name,
				Value:      truncate(m, 64),
				Confidence: weight,
				Severity:   e.levels().LevelFor(weight),
			})
		}
		if len(inds) == 0 {
			return nil
		}

		return &finding{
			threatType:  t,
			confidence:  clampConfidence(float64(len(inds)) * weight),
			indicators:  inds,
			description: fmt.Sprintf("%s detected (%d signatures)", label, len(inds)),
		}
	}
}

func analyzeBruteForce(e *Engine, rc *RequestContext, rule DetectionRule) *finding {
	if !e.isAuthPath(rc.Path) || rc.IP == "" {
		return nil
	}

	threshold := rule.Threshold
	count := float64(e.failures.count(failureKey(rc.IP), rc.Timestamp, rule.Window))
	if count < threshold {
		return nil
	}

	base := rule.Param("base_confidence", 0.7)
	saturation := rule.Param("saturation", 20)
	conf := base
	if saturation > threshold {
		conf = base + (1-base)*(count-threshold)/(saturation-threshold)
	}
	conf = clampConfidence(conf)

	return &finding{
		threatType: TypeBruteForce,
		confidence: conf,
		indicators: []Indicator{{
			Kind:       IndicatorStatistical,
			Name:       "failed_attempts",
			Value:      fmt.Sprintf("%d in %s", int(count), rule.Window),
			Confidence: conf,
			Severity:   e.levels().LevelFor(conf),
		}},
		description: fmt.Sprintf("%d failed authentication attempts from %s", int(count), rc.IP),
	}
}

func analyzeBehavior(e *Engine, rc *RequestContext, rule DetectionRule) *finding {
	if rc.UserID == "" {
		return nil
	}

	ts := rc.Timestamp
	minObs := int(rule.Param("min_observations", 1))
	var inds []Indicator

	e.profiles.update(rc.UserID, ts, func(p *BehaviorProfile, created bool) {
		if created {
			p.observe(rc, ts)
			return
		}

		if p.Observations >= minObs {
			if p.LoginHours[ts.Hour()] == 0 {
				w := rule.Param("hour_weight", 0.3)
				inds = append(inds, Indicator{
					Kind: IndicatorBehavioral, Name: "unusual_hour",
					Value: fmt.Sprintf("%02d:00", ts.Hour()), Confidence: w,
					Severity: e.levels().LevelFor(w),
				})
			}
			if loc := locationOf(rc); loc != "" && p.Locations[loc] == 0 {
				w := rule.Param("location_weight", 0.4)
				inds = append(inds, Indicator{
					Kind: IndicatorBehavioral, Name: "unusual_location",
					Value: loc, Confidence: w,
					Severity: e.levels().LevelFor(w),
				})
			}
		}

		p.observe(rc, ts)
		if isSensitivePath(rc.Path) {
			p.Risk.SensitiveDataAccess = true
		}

		limit := int(rule.Param("rapid_actions", 50))
		if n := p.actionsSince(ts.Add(-rule.Window)); n > limit {
			w := rule.Param("rapid_weight", 0.5)
			inds = append(inds, Indicator{
				Kind: IndicatorStatistical, Name: "rapid_actions",
				Value: fmt.Sprintf("%d in %s", n, rule.Window), Confidence: w,
				Severity: e.levels().LevelFor(w),
			})
		}
	})

	if len(inds) == 0 {
		return nil
	}

	var total float64
	names := make([]string, 0, len(inds))
	for _, ind := range inds {
		total += ind.Confidence
		names = append(names, ind.Name)
	}
	return &finding{
		threatType:  TypeAnomalousBehavior,
		confidence:  clampConfidence(total),
		indicators:  inds,
		description: "Behavior deviates from profile: " + strings.Join(names, ", "),
	}
}

func analyzeExfiltration(e *Engine, rc *RequestContext, rule DetectionRule) *finding {
	if !e.isExportPath(rc.Path) {
		return nil
	}

	key := rc.UserID
	if key == "" {
		key = "ip:" + rc.IP
	}
	ts := rc.Timestamp
	exports := e.exports.add(key, ts, rule.Window)

	var inds []Indicator
	if float64(exports) > rule.Threshold {
		w := rule.Param("volume_weight", 0.5)
		inds = append(inds, Indicator{
			Kind: IndicatorStatistical, Name: "excessive_exports",
			Value: fmt.Sprintf("%d in %s", exports, rule.Window), Confidence: w,
			Severity: e.levels().LevelFor(w),
		})
	}
	if limit := rule.Param("max_payload_bytes", 10*1024*1024); float64(rc.PayloadSize) > limit {
		w := rule.Param("size_weight", 0.4)
		inds = append(inds, Indicator{
			Kind: IndicatorStatistical, Name: "oversized_payload",
			Value: fmt.Sprintf("%d bytes", rc.PayloadSize), Confidence: w,
			Severity: e.levels().LevelFor(w),
		})
	}
	start := int(rule.Param("after_hours_start", 22))
	end := int(rule.Param("after_hours_end", 6))
	if h := ts.Hour(); h < end || h >= start {
		w := rule.Param("after_hours_weight", 0.2)
		inds = append(inds, Indicator{
			Kind: IndicatorBehavioral, Name: "after_hours_export",
			Value: fmt.Sprintf("%02d:%02d", h, ts.Minute()), Confidence: w,
			Severity: e.levels().LevelFor(w),
		})
	}
	if len(inds) == 0 {
		return nil
	}

	var total float64
	for _, ind := range inds {
		total += ind.Confidence
	}
	return &finding{
		threatType:  TypeDataExfiltration,
		confidence:  clampConfidence(total),
		indicators:  inds,
		description: fmt.Sprintf("Suspicious export activity (%d exports in window)", exports),
	}
}

// clampConfidence caps to [0,1] and rounds away float noise so that, e.g.,
// three 0.3 matches land exactly on 0.9.
func clampConfidence(c float64) float64 {
	c = math.Round(c*1e6) / 1e6
	return math.Max(0, math.Min(1, c))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func isSensitivePath(path string) bool {
	p := strings.ToLower(path)
	return strings.Contains(p, "/export") || strings.Contains(p, "/admin") || strings.Contains(p, "/compliance")
}

func failureKey(ip string) string {
	return "ip:" + ip
}
