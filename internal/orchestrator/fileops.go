package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/lvonguyen/tacticguard/internal/compliance"
	"github.com/lvonguyen/tacticguard/internal/files"
	"github.com/lvonguyen/tacticguard/internal/vault"
)

// FileRequest is the input of PerformFileOperation. File and the import
// options apply to imports; FormationID and Export apply to exports.
type FileRequest struct {
	File           files.File
	AllowPartial   bool
	Classification vault.Classification

	FormationID string
	Export      files.ExportOptions

	Category compliance.Category
	Purpose  string
}

// maxScanPayload caps how much of an uploaded file is handed to the
// signature analyzers; the file handler scans the full content itself.
const maxScanPayload = 64 << 10

// PerformFileOperation imports or exports a formation file through the
// block-list, threat, session, authorization and compliance stages around
// the secure file handler.
func (o *Orchestrator) PerformFileOperation(ctx context.Context, kind Kind, req FileRequest, sc SecurityContext) *Result {
	ctx, r := o.begin(ctx, "orchestrator.PerformFileOperation", "file_"+string(kind), sc)

	if kind != KindImport && kind != KindExport {
		return r.fail("", MsgUnsupported)
	}
	if o.files == nil {
		o.logger.Error("File operation requested without a file handler")
		return r.fail("", MsgFailed)
	}

	var rc = o.requestContext(sc, "GET", "/files/export/"+req.FormationID, "", 0)
	if kind == KindImport {
		content := req.File.Content
		if len(content) > maxScanPayload {
			content = content[:maxScanPayload]
		}
		rc = o.requestContext(sc, "POST", "/files/import", req.File.Name+"\n"+string(content), req.File.Size)
	}
	if !o.guard(ctx, r, rc, sc, requiredPermission[kind]) {
		return r.res
	}

	r.stage("execution")
	var (
		data        any
		formationID string
		encrypted   = true
	)
	switch kind {
	case KindImport:
		res := o.files.Import(ctx, req.File, sc.UserID, sc.TeamID, files.ImportOptions{
			AllowPartial:   req.AllowPartial,
			Classification: req.Classification,
		})
		o.telemetry.RecordFileOperation(string(kind), outcome(res.Success))
		r.res.Warnings = append(r.res.Warnings, res.Warnings...)
		if !res.Success {
			r.res.ComplianceChecks[CheckInput] = false
			return r.fail("validation", res.Errors...)
		}
		r.res.ComplianceChecks[CheckInput] = true

		f, err := o.ops.Import(ctx, sc.actor(), res.Formation)
		if err != nil {
			o.logger.Warn("Storing imported formation failed",
				zap.String("operation_id", r.res.OperationID),
				zap.Error(err),
			)
			return r.fail("", executionMessage(err))
		}
		res.Formation = f
		data, formationID = res, f.ID

	case KindExport:
		res, err := o.export(ctx, sc.actor(), req.FormationID, req.Export)
		if err != nil {
			o.logger.Warn("Formation export failed",
				zap.String("operation_id", r.res.OperationID),
				zap.String("formation_id", req.FormationID),
				zap.Error(err),
			)
			return r.fail("", executionMessage(err))
		}
		data, formationID = res, req.FormationID
		encrypted = res.Encrypted
	}

	r.stage("compliance_logging")
	o.logCompliance(ctx, r, compliance.ProcessingRecord{
		UserID:          sc.UserID,
		Action:          "formation_file_" + string(kind),
		Category:        o.category(req.Category),
		DataType:        "formation_file",
		Purpose:         o.purpose(req.Purpose),
		Basis:           o.config.DefaultBasis,
		Encrypted:       encrypted,
		StorageLocation: "formation_store",
		Details: map[string]any{
			"operation_id": r.res.OperationID,
			"formation_id": formationID,
			"file_name":    req.File.Name,
			"format":       string(req.Export.Format),
		},
		IP:        sc.IP,
		UserAgent: sc.UserAgent,
	})

	return r.succeed(data)
}
