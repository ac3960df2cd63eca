package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/tacticguard/internal/compliance"
	"github.com/lvonguyen/tacticguard/internal/orchestrator"
	"github.com/lvonguyen/tacticguard/internal/scheduler"
)

type consentRequest struct {
	Purpose    string   `json:"purpose" validate:"required,max=256"`
	Categories []string `json:"categories" validate:"required,min=1,dive,oneof=personal tactical financial medical communication system"`
	Basis      string   `json:"lawful_basis" validate:"required,oneof=consent contract legal_obligation vital_interests public_task legitimate_interests"`
	Granted    bool     `json:"granted"`
}

type withdrawRequest struct {
	Reason string `json:"reason" validate:"max=512"`
}

type subjectRequest struct {
	Type               string `json:"request_type" validate:"required,oneof=access rectification erasure restrict portability object withdraw_consent"`
	VerificationMethod string `json:"verification_method" validate:"required,max=64"`
}

type reportRequest struct {
	Framework string    `json:"framework,omitempty" validate:"max=32"`
	Start     time.Time `json:"period_start" validate:"required"`
	End       time.Time `json:"period_end" validate:"required,gtfield=Start"`
}

// Consent handlers

func (s *Server) handleRecordConsent(w http.ResponseWriter, r *http.Request) {
	var req consentRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, _ := PrincipalFrom(r.Context())

	cats := make([]compliance.Category, 0, len(req.Categories))
	for _, c := range req.Categories {
		cats = append(cats, compliance.Category(c))
	}
	rec, err := s.comp.RecordConsent(r.Context(), compliance.ConsentInput{
		UserID:     p.UserID,
		Purpose:    req.Purpose,
		Categories: cats,
		Basis:      compliance.Basis(req.Basis),
		Granted:    req.Granted,
		IP:         s.clientIP(r),
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		s.complianceError(w, "record consent", err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// handleWithdrawConsent withdraws the caller's own consent. The body with a
// reason is optional.
func (s *Server) handleWithdrawConsent(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	p, _ := PrincipalFrom(r.Context())

	res, err := s.comp.WithdrawConsent(r.Context(), chi.URLParam(r, "id"), p.UserID, req.Reason)
	if err != nil {
		s.complianceError(w, "withdraw consent", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Data subject request handlers

func (s *Server) handleSubjectRequest(w http.ResponseWriter, r *http.Request) {
	var req subjectRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, _ := PrincipalFrom(r.Context())

	dsr, err := s.comp.HandleSubjectRequest(r.Context(), p.UserID, compliance.RequestType(req.Type), req.VerificationMethod)
	if err != nil {
		s.complianceError(w, "open subject request", err)
		return
	}
	status := http.StatusAccepted
	if dsr.Status == compliance.StatusRejected {
		status = http.StatusForbidden
	}
	writeJSON(w, status, dsr)
}

// handleGetSubjectRequest returns a request to its subject or to a
// compliance manager. Anyone else gets not found.
func (s *Server) handleGetSubjectRequest(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	dsr, err := s.comp.Request(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.complianceError(w, "load subject request", err)
		return
	}
	if dsr.UserID != p.UserID && !p.can(PermManageCompliance) {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	writeJSON(w, http.StatusOK, dsr)
}

func (s *Server) handleProcessSubjectRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dsr, err := s.comp.Request(r.Context(), id)
	if err != nil {
		s.complianceError(w, "load subject request", err)
		return
	}

	switch dsr.Type {
	case compliance.RequestAccess, compliance.RequestPortability:
		res, err := s.comp.ProcessAccessRequest(r.Context(), id)
		if err != nil {
			s.complianceError(w, "process access request", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case compliance.RequestErasure:
		res, err := s.comp.ProcessErasureRequest(r.Context(), id)
		if err != nil {
			s.complianceError(w, "process erasure request", err)
			return
		}
		status := http.StatusOK
		if !res.Success {
			status = http.StatusConflict
		}
		writeJSON(w, status, res)
	default:
		writeError(w, http.StatusBadRequest, "request type is handled manually")
	}
}

// Report handler

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if !s.decode(w, r, &req) {
		return
	}
	framework := req.Framework
	if framework == "" {
		framework = s.config.ReportFramework
	}
	report, err := s.comp.GenerateReport(r.Context(), framework, req.Start, req.End)
	if err != nil {
		s.complianceError(w, "generate report", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) complianceError(w http.ResponseWriter, op string, err error) {
	status, msg := complianceStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Compliance operation failed", zap.String("operation", op), zap.Error(err))
	}
	writeError(w, status, msg)
}

// Maintenance handlers

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeJSON(w, http.StatusOK, map[string]any{"tasks": []scheduler.TaskStatus{}, "count": 0})
		return
	}
	tasks := s.tasks.Tasks()
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusNotFound, "maintenance is not enabled")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.tasks.RunNow(r.Context(), id); err != nil {
		if errors.Is(err, scheduler.ErrUnknownTask) {
			writeError(w, http.StatusNotFound, "unknown task")
			return
		}
		writeError(w, http.StatusInternalServerError, orchestrator.MsgFailed, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed", "task": id})
}
