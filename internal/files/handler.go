// Package files validates, scans and (de)serializes imported and exported
// formation files.
package files

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/tacticguard/internal/formation"
	"github.com/lvonguyen/tacticguard/internal/vault"
)

// Config holds file handling limits.
type Config struct {
	MaxFileSize       int64    `yaml:"max_file_size"`
	AllowedMIMETypes  []string `yaml:"allowed_mime_types"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxFileSize:       5 * 1024 * 1024,
		AllowedMIMETypes:  []string{"application/json", "text/json", "application/xml", "text/xml", "text/plain"},
		AllowedExtensions: []string{".json", ".xml", ".formation", ".txt"},
	}
}

var suspiciousName = regexp.MustCompile(`(?i)\.(exe|bat|cmd|com|scr|pif|msi|dll|js|jse|vbs|vbe|ps1|sh|jar|app|hta)(\.|$)|[\x00-\x1f]|\.\.[/\\]`)

// File is an uploaded file.
type File struct {
	Name     string
	MIMEType string
	Size     int64
	Content  []byte
}

// ImportOptions tune an import.
type ImportOptions struct {
	// AllowPartial downgrades schema failures to warnings.
	AllowPartial   bool
	Classification vault.Classification
}

// ImportResult is the outcome of Import. Formation is nil unless Success.
type ImportResult struct {
	Success   bool                 `json:"success"`
	Formation *formation.Formation `json:"formation,omitempty"`
	Checksum  string               `json:"checksum,omitempty"`
	Scan      *ScanReport          `json:"scan,omitempty"`
	Errors    []string             `json:"errors,omitempty"`
	Warnings  []string             `json:"warnings,omitempty"`
}

// Format is an export serialization.
type Format string

const (
	FormatJSON Format = "json"
	FormatXML  Format = "xml"
	FormatText Format = "text"
	FormatSVG  Format = "svg"
)

// ExportOptions tune an export.
type ExportOptions struct {
	Format Format
	// Classification is the target tier; empty means the formation's own.
	Classification vault.Classification
	// Password wraps the payload in an encrypted envelope when set.
	Password string
}

// ExportResult is the outcome of Export. Data is nil unless Success.
type ExportResult struct {
	Success     bool      `json:"success"`
	Data        []byte    `json:"data,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	FileName    string    `json:"file_name,omitempty"`
	Signature   string    `json:"signature,omitempty"`
	SignedBy    string    `json:"signed_by,omitempty"`
	Encrypted   bool      `json:"encrypted"`
	ExportedAt  time.Time `json:"exported_at"`
	Errors      []string  `json:"errors,omitempty"`
}

// Handler runs the import and export pipelines.
type Handler struct {
	config    Config
	vault     *vault.Service
	validator *formation.Validator
	scanner   ScanService
	logger    *zap.Logger
	now       func() time.Time
}

// NewHandler creates a file handler. A nil scanner reports every file clean.
func NewHandler(cfg Config, v *vault.Service, validator *formation.Validator, scanner ScanService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if scanner == nil {
		scanner = NoopScanner{}
	}
	def := DefaultConfig()
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = def.MaxFileSize
	}
	if len(cfg.AllowedMIMETypes) == 0 {
		cfg.AllowedMIMETypes = def.AllowedMIMETypes
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = def.AllowedExtensions
	}
	return &Handler{config: cfg, vault: v, validator: validator, scanner: scanner, logger: logger, now: time.Now}
}

func (h *Handler) validateMetadata(f File) []string {
	var errs []string
	if suspiciousName.MatchString(f.Name) {
		errs = append(errs, "file name matches a suspicious filename pattern")
	}
	size := f.Size
	if size == 0 {
		size = int64(len(f.Content))
	}
	if size == 0 || len(bytes.TrimSpace(f.Content)) == 0 {
		errs = append(errs, "file is empty")
	}
	if size > h.config.MaxFileSize || int64(len(f.Content)) > h.config.MaxFileSize {
		errs = append(errs, fmt.Sprintf("file exceeds the %d byte limit", h.config.MaxFileSize))
	}

	mt, _, err := mime.ParseMediaType(f.MIMEType)
	if err != nil || !contains(h.config.AllowedMIMETypes, strings.ToLower(mt)) {
		errs = append(errs, fmt.Sprintf("file type %q is not allowed", f.MIMEType))
	}
	if ext := strings.ToLower(filepath.Ext(f.Name)); !contains(h.config.AllowedExtensions, ext) {
		errs = append(errs, fmt.Sprintf("file extension %q is not allowed", ext))
	}
	return errs
}

// Import validates, scans, parses and sanitizes a formation file and wraps
// it in a fresh formation owned by userID.
func (h *Handler) Import(ctx context.Context, file File, userID, teamID string, opts ImportOptions) *ImportResult {
	res := &ImportResult{}
	fail := func(errs ...string) *ImportResult {
		res.Success = false
		res.Formation = nil
		res.Errors = append(res.Errors, errs...)
		h.logger.Warn("File import rejected",
			zap.String("file", file.Name),
			zap.String("user_id", userID),
			zap.Strings("errors", res.Errors),
		)
		return res
	}

	if errs := h.validateMetadata(file); len(errs) > 0 {
		return fail(errs...)
	}

	res.Checksum = vault.Hash(file.Content)
	report := scanContent(file.Content)
	res.Scan = &report
	if report.Risk.Blocking() {
		return fail(fmt.Sprintf("file content failed the security scan (%s risk)", report.Risk))
	}
	if report.Risk == RiskMedium {
		res.Warnings = append(res.Warnings, "file content contains suspicious patterns")
	}

	verdict, err := h.scanner.Scan(ctx, file.Name, file.Content)
	if err != nil {
		h.logger.Error("Scan service failed", zap.String("file", file.Name), zap.Error(err))
		return fail("file could not be scanned")
	}
	if verdict.Malicious {
		h.logger.Warn("Scan service flagged file",
			zap.String("file", file.Name),
			zap.String("engine", verdict.Engine),
			zap.String("signature", verdict.Signature),
		)
		return fail("file was flagged as malicious")
	}

	doc, err := parseDocument(file.Content)
	if err != nil {
		return fail(err.Error())
	}

	clean, notes := formation.Sanitize(doc)
	res.Warnings = append(res.Warnings, notes...)

	if errs := h.validator.Validate(clean); len(errs) > 0 {
		if !opts.AllowPartial {
			return fail(errs...)
		}
		res.Warnings = append(res.Warnings, errs...)
	}

	f, err := formation.FromDocument(clean)
	if err != nil {
		return fail("file content does not describe a formation")
	}
	f.ID = uuid.New().String()
	f.CreatedBy = userID
	f.TeamID = teamID
	f.Classification = vault.Internal
	if opts.Classification.Valid() {
		f.Classification = opts.Classification
	}
	now := h.now().UTC()
	f.CreatedAt, f.UpdatedAt = now, now
	tags := f.Metadata.Tags
	if !f.HasTag(formation.TagImported) {
		tags = append(tags, formation.TagImported)
	}
	f.Metadata = formation.Metadata{Version: 1, Tags: tags, Source: "import", Checksum: res.Checksum}

	res.Success = true
	res.Formation = f
	h.logger.Info("File imported",
		zap.String("file", file.Name),
		zap.String("formation_id", f.ID),
		zap.String("user_id", userID),
		zap.Int("warnings", len(res.Warnings)),
	)
	return res
}

type xmlPosition struct {
	Role         string   `xml:"role"`
	X            *float64 `xml:"x"`
	Y            *float64 `xml:"y"`
	PlayerName   string   `xml:"player_name"`
	PlayerNumber *int     `xml:"player_number"`
}

type xmlDocument struct {
	Name                 string        `xml:"name"`
	Shape                string        `xml:"formation"`
	Description          string        `xml:"description"`
	TacticalInstructions string        `xml:"tactical_instructions"`
	OpponentAnalysis     string        `xml:"opponent_analysis"`
	Notes                string        `xml:"notes"`
	Tags                 []string      `xml:"tags>tag"`
	Positions            []xmlPosition `xml:"positions>position"`
}

// parseDocument reads JSON, falling back to XML.
func parseDocument(content []byte) (map[string]any, error) {
	var doc map[string]any
	jsonErr := json.Unmarshal(content, &doc)
	if jsonErr == nil && doc != nil {
		return doc, nil
	}

	var x xmlDocument
	if err := xml.Unmarshal(content, &x); err != nil {
		return nil, fmt.Errorf("file is neither valid JSON nor valid XML")
	}

	doc = map[string]any{}
	for k, v := range map[string]string{
		"name":                  x.Name,
		"formation":             x.Shape,
		"description":           x.Description,
		"tactical_instructions": x.TacticalInstructions,
		"opponent_analysis":     x.OpponentAnalysis,
		"notes":                 x.Notes,
	} {
		if v = strings.TrimSpace(v); v != "" {
			doc[k] = v
		}
	}
	if len(x.Tags) > 0 {
		tags := make([]any, 0, len(x.Tags))
		for _, t := range x.Tags {
			tags = append(tags, t)
		}
		doc["tags"] = tags
	}
	if len(x.Positions) > 0 {
		positions := make([]any, 0, len(x.Positions))
		for _, p := range x.Positions {
			m := map[string]any{"role": p.Role}
			if p.X != nil {
				m["x"] = *p.X
			}
			if p.Y != nil {
				m["y"] = *p.Y
			}
			if p.PlayerName != "" {
				m["player_name"] = p.PlayerName
			}
			if p.PlayerNumber != nil {
				m["player_number"] = float64(*p.PlayerNumber)
			}
			positions = append(positions, m)
		}
		doc["positions"] = positions
	}
	if len(doc) == 0 {
		return nil, fmt.Errorf("file contains no formation data")
	}
	return doc, nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
