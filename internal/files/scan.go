package files

import (
	"context"
	"regexp"
)

// Risk is the outcome of the content scan.
type Risk string

const (
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskCritical Risk = "critical"
)

func (r Risk) rank() int {
	switch r {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

// Blocking reports whether the risk aborts an import.
func (r Risk) Blocking() bool {
	return r.rank() >= RiskHigh.rank()
}

type contentPattern struct {
	name string
	re   *regexp.Regexp
}

type patternGroup struct {
	category string
	risk     Risk
	patterns []contentPattern
}

var contentGroups = []patternGroup{
	{
		category: "script_injection",
		risk:     RiskHigh,
		patterns: []contentPattern{
			{"script_tag", regexp.MustCompile(`(?i)<\s*script\b`)},
			{"javascript_uri", regexp.MustCompile(`(?i)javascript\s*:`)},
			{"event_handler", regexp.MustCompile(`(?i)\bon(load|error|click|mouseover)\s*=`)},
			{"eval_call", regexp.MustCompile(`(?i)\b(eval|Function)\s*\(`)},
		},
	},
	{
		category: "data_exfiltration",
		risk:     RiskCritical,
		patterns: []contentPattern{
			{"fetch_call", regexp.MustCompile(`(?i)\bfetch\s*\(`)},
			{"xhr", regexp.MustCompile(`(?i)XMLHttpRequest`)},
			{"beacon", regexp.MustCompile(`(?i)navigator\.sendBeacon`)},
			{"websocket", regexp.MustCompile(`(?i)new\s+WebSocket\s*\(`)},
		},
	},
	{
		category: "filesystem_access",
		risk:     RiskMedium,
		patterns: []contentPattern{
			{"path_traversal", regexp.MustCompile(`\.\./`)},
			{"file_uri", regexp.MustCompile(`(?i)file://`)},
			{"node_fs", regexp.MustCompile(`(?i)require\s*\(\s*['"](fs|child_process)['"]\s*\)`)},
			{"system_path", regexp.MustCompile(`(?i)/etc/(passwd|shadow)|c:\\windows\\`)},
		},
	},
}

// ScanReport summarises the pattern scan.
type ScanReport struct {
	Risk     Risk     `json:"risk"`
	Findings []string `json:"findings,omitempty"`
}

// scanContent classifies content by the most severe pattern group that
// matches. Matches in two or more groups raise the risk one step.
func scanContent(content []byte) ScanReport {
	report := ScanReport{Risk: RiskLow}
	groups := 0
	for _, g := range contentGroups {
		hit := false
		for _, p := range g.patterns {
			if p.re.Match(content) {
				report.Findings = append(report.Findings, g.category+":"+p.name)
				hit = true
			}
		}
		if !hit {
			continue
		}
		groups++
		if g.risk.rank() > report.Risk.rank() {
			report.Risk = g.risk
		}
	}
	if groups >= 2 {
		switch report.Risk {
		case RiskMedium:
			report.Risk = RiskHigh
		case RiskHigh:
			report.Risk = RiskCritical
		}
	}
	return report
}

// ScanVerdict is an external scanner's answer.
type ScanVerdict struct {
	Malicious bool   `json:"malicious"`
	Engine    string `json:"engine"`
	Signature string `json:"signature,omitempty"`
}

// ScanService is where an antivirus integration plugs in.
type ScanService interface {
	Scan(ctx context.Context, name string, content []byte) (ScanVerdict, error)
}

// NoopScanner reports every file as clean.
type NoopScanner struct{}

func (NoopScanner) Scan(context.Context, string, []byte) (ScanVerdict, error) {
	return ScanVerdict{Engine: "none"}, nil
}
