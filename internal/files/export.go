package files

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"html"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/tacticguard/internal/formation"
	"github.com/lvonguyen/tacticguard/internal/vault"
)

const redactedName = "[redacted]"

// ExportPermission is the permission a non-creator needs to export at the
// given tier.
func ExportPermission(c vault.Classification) string {
	return "export-formations:" + string(c)
}

// Export checks permission, redacts for the target tier, serializes, signs
// and optionally password-protects a formation.
func (h *Handler) Export(ctx context.Context, f *formation.Formation, actor formation.Actor, opts ExportOptions) *ExportResult {
	res := &ExportResult{ExportedAt: h.now().UTC()}
	fail := func(errs ...string) *ExportResult {
		res.Success = false
		res.Data = nil
		res.Signature = ""
		res.Errors = append(res.Errors, errs...)
		h.logger.Warn("File export rejected",
			zap.String("user_id", actor.UserID),
			zap.Strings("errors", res.Errors),
		)
		return res
	}

	if f == nil {
		return fail("formation not found")
	}
	target := opts.Classification
	if target == "" {
		target = f.Classification
	}
	if !target.Valid() {
		return fail(fmt.Sprintf("unknown classification %q", target))
	}
	if err := checkExportPermission(f, actor, target); err != nil {
		return fail(err.Error())
	}

	redacted := Redact(f, target)

	format := opts.Format
	if format == "" {
		format = FormatJSON
	}
	data, contentType, err := serialize(redacted, format)
	if err != nil {
		return fail(err.Error())
	}

	res.Signature = h.vault.HMAC(signedBytes(data, actor.UserID))
	res.SignedBy = actor.UserID
	res.ContentType = contentType
	res.FileName = fileName(redacted, format)

	if opts.Password != "" {
		env, err := h.vault.SealWithPassword(data, opts.Password)
		if err != nil {
			return fail("payload could not be encrypted")
		}
		wrapped, err := json.Marshal(env)
		if err != nil {
			return fail("payload could not be encrypted")
		}
		data = wrapped
		res.ContentType = "application/json"
		res.FileName += ".enc"
		res.Encrypted = true
	}

	res.Data = data
	res.Success = true
	h.logger.Info("File exported",
		zap.String("formation_id", f.ID),
		zap.String("user_id", actor.UserID),
		zap.String("format", string(format)),
		zap.String("classification", string(target)),
		zap.Bool("encrypted", res.Encrypted),
	)
	return res
}

// VerifySignature checks an export signature for the given payload and user.
func (h *Handler) VerifySignature(data []byte, userID, signature string) bool {
	return h.vault.VerifyHMAC(signedBytes(data, userID), signature)
}

func signedBytes(data []byte, userID string) []byte {
	out := make([]byte, 0, len(data)+len(userID)+1)
	out = append(out, data...)
	out = append(out, '\n')
	return append(out, userID...)
}

func checkExportPermission(f *formation.Formation, actor formation.Actor, target vault.Classification) error {
	if actor.UserID != "" && actor.UserID == f.CreatedBy {
		return nil
	}
	if target.Rank() > f.Classification.Rank() {
		return fmt.Errorf("permission denied: cannot export above the formation's classification")
	}
	if !actor.Can(ExportPermission(target)) {
		return fmt.Errorf("permission denied: export at %s classification is not permitted", target)
	}
	return nil
}

// Redact returns a copy of f with the fields the target tier may not carry
// removed. Player identities are hidden at public; tactical instructions and
// opponent analysis survive only above internal.
func Redact(f *formation.Formation, target vault.Classification) *formation.Formation {
	c := f.Clone()
	c.Classification = target
	c.SharedWith = nil
	if target.Rank() <= vault.Public.Rank() {
		for i := range c.Positions {
			if c.Positions[i].PlayerName != "" {
				c.Positions[i].PlayerName = redactedName
			}
		}
		c.Notes = ""
	}
	if target.Rank() <= vault.Internal.Rank() {
		c.TacticalInstructions = ""
		c.OpponentAnalysis = ""
	}
	return c
}

type xmlExport struct {
	XMLName xml.Name `xml:"formation"`
	*formation.Formation
}

func serialize(f *formation.Formation, format Format) ([]byte, string, error) {
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(f, "", "  ")
		if err != nil {
			return nil, "", fmt.Errorf("serializing formation: %w", err)
		}
		return data, "application/json", nil

	case FormatXML:
		data, err := xml.MarshalIndent(xmlExport{Formation: f}, "", "  ")
		if err != nil {
			return nil, "", fmt.Errorf("serializing formation: %w", err)
		}
		return append([]byte(xml.Header), data...), "application/xml", nil

	case FormatText:
		return renderText(f), "text/plain; charset=utf-8", nil

	case FormatSVG:
		return renderSVG(f), "image/svg+xml", nil
	}
	return nil, "", fmt.Errorf("unsupported export format %q", format)
}

func renderText(f *formation.Formation) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "Formation: %s (%s)\n", f.Name, f.Shape)
	fmt.Fprintf(&b, "Classification: %s\n", f.Classification)
	if f.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", f.Description)
	}
	if len(f.Positions) > 0 {
		b.WriteString("Positions:\n")
		for _, p := range f.Positions {
			fmt.Fprintf(&b, "  %-4s", p.Role)
			if p.PlayerNumber > 0 {
				fmt.Fprintf(&b, " #%-2d", p.PlayerNumber)
			}
			if p.PlayerName != "" {
				fmt.Fprintf(&b, " %s", p.PlayerName)
			}
			fmt.Fprintf(&b, " (%.1f, %.1f)\n", p.X, p.Y)
		}
	}
	if f.TacticalInstructions != "" {
		fmt.Fprintf(&b, "Tactical instructions: %s\n", f.TacticalInstructions)
	}
	if f.OpponentAnalysis != "" {
		fmt.Fprintf(&b, "Opponent analysis: %s\n", f.OpponentAnalysis)
	}
	if len(f.Metadata.Tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(f.Metadata.Tags, ", "))
	}
	return []byte(b.String())
}

// Pitch dimensions in SVG user units; positions are percentages.
const (
	pitchWidth  = 680
	pitchLength = 1050
)

func renderSVG(f *formation.Formation) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">`+"\n",
		pitchWidth, pitchLength, pitchWidth, pitchLength)
	fmt.Fprintf(&b, `  <title>%s</title>`+"\n", html.EscapeString(f.Name+" ("+f.Shape+")"))
	fmt.Fprintf(&b, `  <rect x="0" y="0" width="%d" height="%d" fill="#2e7d32" stroke="#ffffff" stroke-width="4"/>`+"\n",
		pitchWidth, pitchLength)
	fmt.Fprintf(&b, `  <line x1="0" y1="%d" x2="%d" y2="%d" stroke="#ffffff" stroke-width="2"/>`+"\n",
		pitchLength/2, pitchWidth, pitchLength/2)
	fmt.Fprintf(&b, `  <circle cx="%d" cy="%d" r="92" fill="none" stroke="#ffffff" stroke-width="2"/>`+"\n",
		pitchWidth/2, pitchLength/2)

	for _, p := range f.Positions {
		cx := p.X / 100 * pitchWidth
		cy := pitchLength - p.Y/100*pitchLength
		label := p.Role
		if p.PlayerNumber > 0 {
			label = fmt.Sprintf("%d", p.PlayerNumber)
		}
		fmt.Fprintf(&b, `  <g class="player">`+"\n")
		fmt.Fprintf(&b, `    <circle cx="%.1f" cy="%.1f" r="18" fill="#1565c0" stroke="#ffffff" stroke-width="2"/>`+"\n", cx, cy)
		fmt.Fprintf(&b, `    <text x="%.1f" y="%.1f" text-anchor="middle" font-size="14" fill="#ffffff">%s</text>`+"\n",
			cx, cy+5, html.EscapeString(label))
		if p.PlayerName != "" {
			fmt.Fprintf(&b, `    <text x="%.1f" y="%.1f" text-anchor="middle" font-size="12" fill="#ffffff">%s</text>`+"\n",
				cx, cy+36, html.EscapeString(p.PlayerName))
		}
		b.WriteString("  </g>\n")
	}
	b.WriteString("</svg>\n")
	return []byte(b.String())
}

func fileName(f *formation.Formation, format Format) string {
	base := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ':
			return '_'
		}
		return -1
	}, f.Name)
	if base == "" {
		base = "formation"
	}
	ext := map[Format]string{FormatJSON: ".json", FormatXML: ".xml", FormatText: ".txt", FormatSVG: ".svg"}[format]
	return base + ext
}
