package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/tacticguard/internal/compliance"
	"github.com/lvonguyen/tacticguard/internal/files"
	"github.com/lvonguyen/tacticguard/internal/orchestrator"
	"github.com/lvonguyen/tacticguard/internal/vault"
)

type loginRequest struct {
	Username string `json:"username" validate:"required,max=128"`
	Password string `json:"password" validate:"required,max=256"`
}

type formationRequest struct {
	Document map[string]any `json:"document" validate:"required"`
	Category string         `json:"category,omitempty" validate:"omitempty,oneof=personal tactical financial medical communication system"`
	Purpose  string         `json:"purpose,omitempty" validate:"max=256"`
}

type shareRequest struct {
	UserIDs []string `json:"user_ids" validate:"required,min=1,dive,required"`
}

type exportRequest struct {
	FormationID    string `json:"formation_id" validate:"required"`
	Format         string `json:"format,omitempty" validate:"omitempty,oneof=json xml text svg"`
	Classification string `json:"classification,omitempty" validate:"omitempty,oneof=public internal confidential restricted"`
	Password       string `json:"password,omitempty" validate:"omitempty,min=8,max=256"`
}

// Authentication handlers

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decode(w, r, &req) {
		return
	}

	res := s.orch.Authenticate(r.Context(), orchestrator.AuthRequest{
		Username:  req.Username,
		Password:  req.Password,
		IP:        s.clientIP(r),
		UserAgent: r.UserAgent(),
		Location:  r.Header.Get("X-Client-Location"),
		Device:    r.Header.Get("X-Client-Device"),
		Headers:   s.headers(r),
	})

	switch {
	case res.Success:
		writeJSON(w, http.StatusOK, res)
	case res.RequiresLockout:
		writeJSON(w, http.StatusForbidden, res)
	default:
		writeJSON(w, http.StatusUnauthorized, res)
	}
}

// Formation handlers

func (s *Server) handleCreateFormation(w http.ResponseWriter, r *http.Request) {
	s.documentOperation(w, r, orchestrator.KindCreate, "", http.StatusCreated)
}

func (s *Server) handleImportFormation(w http.ResponseWriter, r *http.Request) {
	s.documentOperation(w, r, orchestrator.KindImport, "", http.StatusCreated)
}

func (s *Server) handleUpdateFormation(w http.ResponseWriter, r *http.Request) {
	s.documentOperation(w, r, orchestrator.KindUpdate, chi.URLParam(r, "id"), http.StatusOK)
}

func (s *Server) documentOperation(w http.ResponseWriter, r *http.Request, kind orchestrator.Kind, id string, success int) {
	var req formationRequest
	if !s.decode(w, r, &req) {
		return
	}
	res := s.orch.PerformOperation(r.Context(), kind, orchestrator.Payload{
		FormationID: id,
		Document:    req.Document,
		Category:    compliance.Category(req.Category),
		Purpose:     req.Purpose,
	}, s.securityContext(r))
	writeJSON(w, resultStatus(res, success), res)
}

func (s *Server) handleReadFormation(w http.ResponseWriter, r *http.Request) {
	res := s.orch.PerformOperation(r.Context(), orchestrator.KindRead, orchestrator.Payload{
		FormationID: chi.URLParam(r, "id"),
	}, s.securityContext(r))
	writeJSON(w, resultStatus(res, http.StatusOK), res)
}

func (s *Server) handleDeleteFormation(w http.ResponseWriter, r *http.Request) {
	res := s.orch.PerformOperation(r.Context(), orchestrator.KindDelete, orchestrator.Payload{
		FormationID: chi.URLParam(r, "id"),
	}, s.securityContext(r))
	writeJSON(w, resultStatus(res, http.StatusOK), res)
}

func (s *Server) handleShareFormation(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if !s.decode(w, r, &req) {
		return
	}
	res := s.orch.PerformOperation(r.Context(), orchestrator.KindShare, orchestrator.Payload{
		FormationID: chi.URLParam(r, "id"),
		ShareWith:   req.UserIDs,
	}, s.securityContext(r))
	writeJSON(w, resultStatus(res, http.StatusOK), res)
}

// File handlers

// handleFileImport accepts a multipart upload in the "file" field. The
// optional form values allow_partial and classification tune the import.
func (s *Server) handleFileImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.config.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	upload, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer upload.Close()

	content, err := io.ReadAll(upload)
	if err != nil {
		s.logger.Warn("Reading upload failed", zap.String("file", hdr.Filename), zap.Error(err))
		writeError(w, http.StatusBadRequest, "could not read upload")
		return
	}

	allowPartial, _ := strconv.ParseBool(r.FormValue("allow_partial"))
	classification := vault.Classification(r.FormValue("classification"))
	if classification != "" && !classification.Valid() {
		writeError(w, http.StatusBadRequest, "validation failed", "classification must be one of: public internal confidential restricted")
		return
	}

	res := s.orch.PerformFileOperation(r.Context(), orchestrator.KindImport, orchestrator.FileRequest{
		File: files.File{
			Name:     hdr.Filename,
			MIMEType: hdr.Header.Get("Content-Type"),
			Size:     hdr.Size,
			Content:  content,
		},
		AllowPartial:   allowPartial,
		Classification: classification,
	}, s.securityContext(r))
	writeJSON(w, resultStatus(res, http.StatusCreated), res)
}

func (s *Server) handleFileExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if !s.decode(w, r, &req) {
		return
	}
	res := s.orch.PerformFileOperation(r.Context(), orchestrator.KindExport, orchestrator.FileRequest{
		FormationID: req.FormationID,
		Export: files.ExportOptions{
			Format:         files.Format(req.Format),
			Classification: vault.Classification(req.Classification),
			Password:       req.Password,
		},
	}, s.securityContext(r))
	writeJSON(w, resultStatus(res, http.StatusOK), res)
}

// Dashboard handler

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Dashboard(r.Context()))
}
