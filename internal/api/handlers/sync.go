package handlers

import (
	"bytes"
	"encoding/json"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/dvloznov/finance-reconciler/internal/api/middleware"
	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/gateway"
	"github.com/dvloznov/finance-reconciler/internal/gcsuploader"
	"github.com/dvloznov/finance-reconciler/internal/jobs"
	"github.com/dvloznov/finance-reconciler/internal/logger"
	"github.com/gorilla/mux"
)

// SyncHandler handles push syncs and uploads.
type SyncHandler struct {
	gateway   *gateway.Gateway
	archive   gcsuploader.Archive
	publisher jobs.Publisher
}

// NewSyncHandler creates a sync handler. archive and publisher may be nil,
// which disables archiving and async uploads.
func NewSyncHandler(gw *gateway.Gateway, archive gcsuploader.Archive, publisher jobs.Publisher) *SyncHandler {
	return &SyncHandler{gateway: gw, archive: archive, publisher: publisher}
}

// UploadResponse is a SyncResult plus where the raw upload was archived.
type UploadResponse struct {
	*gateway.SyncResult
	ArchiveURI string `json:"archive_uri,omitempty"`
}

// Sync handles POST /api/finance/sync
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeErr(w, r, err, "Sync")
		return
	}

	res, err := h.gateway.Sync(r.Context(), body)
	if err != nil {
		writeErr(w, r, err, "Sync")
		return
	}
	writeSyncResult(w, res, res)
}

// Upload handles POST /api/finance/uploads/{recordType}. The body is a JSON
// array of parsed rows, or a CSV export when sent as text/csv or with
// ?format=csv.
func (h *SyncHandler) Upload(w http.ResponseWriter, r *http.Request) {
	rt, ok := recordTypeVar(w, r)
	if !ok {
		return
	}

	body, err := readBody(r)
	if err != nil {
		writeErr(w, r, err, "Upload")
		return
	}

	ext := "json"
	var res *gateway.SyncResult
	if isCSV(r) {
		ext = "csv"
		res, err = h.gateway.UploadCSV(r.Context(), rt, bytes.NewReader(body))
	} else {
		res, err = h.gateway.Upload(r.Context(), rt, body)
	}
	if err != nil {
		writeErr(w, r, err, "Upload")
		return
	}

	out := UploadResponse{SyncResult: res}
	if h.archive != nil {
		uri, err := h.archive.Store(r.Context(), res.BatchID, rt, ext, body)
		if err != nil {
			log := logger.FromContext(r.Context())
			log.Warn().Err(err).Str("batch_id", res.BatchID).Msg("Failed to archive upload")
		} else {
			out.ArchiveURI = uri
		}
	}
	writeSyncResult(w, res, out)
}

// UploadAsync handles POST /api/finance/uploads/{recordType}/async. The file
// must already be in the archive bucket.
func (h *SyncHandler) UploadAsync(w http.ResponseWriter, r *http.Request) {
	rt, ok := recordTypeVar(w, r)
	if !ok {
		return
	}
	if h.publisher == nil {
		middleware.WriteError(w, http.StatusNotImplemented, "Async uploads are not configured")
		return
	}

	var req struct {
		GCSURI string `json:"gcs_uri"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if _, _, err := gcsuploader.ParseGCSURI(req.GCSURI); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	job := &jobs.SyncJob{RecordType: rt, SourceURI: req.GCSURI}
	if err := h.publisher.PublishSync(r.Context(), job); err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("Failed to enqueue sync job")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to enqueue sync job")
		return
	}

	log := logger.FromContext(r.Context())
	log.Info().Str("job_id", job.JobID).Str("source_uri", job.SourceURI).Msg("Sync job enqueued")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id":      job.JobID,
		"record_type": string(rt),
		"status":      string(job.Status),
	})
}

func recordTypeVar(w http.ResponseWriter, r *http.Request) (domain.RecordType, bool) {
	name := mux.Vars(r)["recordType"]
	rt, ok := domain.ParseRecordType(name)
	if !ok {
		middleware.WriteError(w, http.StatusBadRequest, "Unknown record type "+strconv.Quote(name))
		return "", false
	}
	return rt, true
}

func isCSV(r *http.Request) bool {
	if strings.EqualFold(r.URL.Query().Get("format"), "csv") {
		return true
	}
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && (mt == "text/csv" || mt == "application/csv")
}

// writeSyncResult answers 200 for success and partial, 503 when every
// section failed and may be retried, 500 for any other total failure.
func writeSyncResult(w http.ResponseWriter, res *gateway.SyncResult, body any) {
	switch {
	case res.Status != gateway.StatusFail:
		middleware.WriteJSON(w, http.StatusOK, body)
	case res.Retryable:
		w.Header().Set("Retry-After", strconv.Itoa(int(RetryAfter.Seconds())))
		middleware.WriteJSON(w, http.StatusServiceUnavailable, body)
	default:
		middleware.WriteJSON(w, http.StatusInternalServerError, body)
	}
}
