package ingestion

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/viewledger/platform/pkg/common/logger"
	"github.com/viewledger/platform/pkg/common/models"
	"github.com/viewledger/platform/pkg/lease"
	"github.com/viewledger/platform/pkg/partition"
	"github.com/viewledger/platform/pkg/retention"
)

type HTTPHandler struct {
	service *Service
	maxBody int64
}

func NewHTTPHandler(service *Service, maxBody int64) *HTTPHandler {
	return &HTTPHandler{service: service, maxBody: maxBody}
}

// Register mounts the routes on router, which is expected to carry the /api/v1 prefix.
func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/records", h.handleIngest).Methods(http.MethodPost)
	router.HandleFunc("/records", h.handleQueryRange).Methods(http.MethodGet)
	router.HandleFunc("/records", h.handleDeleteByIDs).Methods(http.MethodDelete)
	router.HandleFunc("/records/day/{day}", h.handleQueryDay).Methods(http.MethodGet)
	router.HandleFunc("/records/before/{day}", h.handleDeleteBefore).Methods(http.MethodDelete)

	router.HandleFunc("/sync/push", h.handlePush).Methods(http.MethodPost)
	router.HandleFunc("/sync/pull", h.handlePull).Methods(http.MethodGet)
	router.HandleFunc("/sync/changes", h.handleChanges).Methods(http.MethodGet)
	router.HandleFunc("/sync/restore", h.handleRestore).Methods(http.MethodPost)

	router.HandleFunc("/ingest/status/{id}", h.handleStatus).Methods(http.MethodGet)

	router.HandleFunc("/collections/{type}/lease", h.handleAcquire).Methods(http.MethodPost)
	router.HandleFunc("/collections/{type}/lease/{token}", h.handleRelease).Methods(http.MethodDelete)
}

func (h *HTTPHandler) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.service.Ingest(r.Context(), req)
	if err != nil {
		writeError(w, err, "failed to ingest batch")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) handleQueryDay(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.QueryByDay(r.Context(), mux.Vars(r)["day"])
	if err != nil {
		writeError(w, err, "failed to query day")
		return
	}
	writeJSON(w, http.StatusOK, models.RecordBatch{Records: records})
}

func (h *HTTPHandler) handleQueryRange(w http.ResponseWriter, r *http.Request) {
	var days []string
	for _, d := range strings.Split(r.URL.Query().Get("days"), ",") {
		if d = strings.TrimSpace(d); d != "" {
			days = append(days, d)
		}
	}
	if len(days) == 0 {
		writeError(w, models.ValidationError{Code: ReasonInvalidRequest, Field: "days", Err: errors.New("days query parameter required")}, "")
		return
	}
	records, err := h.service.QueryRange(r.Context(), days)
	if err != nil {
		writeError(w, err, "failed to query range")
		return
	}
	writeJSON(w, http.StatusOK, models.RecordBatch{Records: records})
}

func (h *HTTPHandler) handleDeleteByIDs(w http.ResponseWriter, r *http.Request) {
	var req DeleteRequest
	if !h.decode(w, r, &req) {
		return
	}
	n, err := h.service.DeleteByIDs(r.Context(), req.IDs)
	if err != nil {
		writeError(w, err, "failed to delete records")
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{Deleted: n})
}

func (h *HTTPHandler) handleDeleteBefore(w http.ResponseWriter, r *http.Request) {
	cutoff := mux.Vars(r)["day"]
	n, err := h.service.DeleteByDayBefore(r.Context(), cutoff)
	if err != nil {
		writeError(w, err, "failed to delete partitions")
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{Deleted: n, Cutoff: cutoff})
}

func (h *HTTPHandler) handlePush(w http.ResponseWriter, r *http.Request) {
	var batch models.RecordBatch
	if !h.decode(w, r, &batch) {
		return
	}
	report, err := h.service.Push(r.Context(), batch.Records)
	if err != nil {
		writeError(w, err, "failed to merge push")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *HTTPHandler) handlePull(w http.ResponseWriter, r *http.Request) {
	since, ok := parseSince(w, r)
	if !ok {
		return
	}
	records, err := h.service.Pull(r.Context(), since)
	if err != nil {
		writeError(w, err, "failed to pull")
		return
	}
	writeJSON(w, http.StatusOK, models.RecordBatch{Records: records, Since: since})
}

func (h *HTTPHandler) handleChanges(w http.ResponseWriter, r *http.Request) {
	since, ok := parseSince(w, r)
	if !ok {
		return
	}
	changed, err := h.service.HasChanges(r.Context(), since)
	if err != nil {
		writeError(w, err, "failed to check changes")
		return
	}
	writeJSON(w, http.StatusOK, models.ChangesResponse{Changed: changed, Since: since})
}

func (h *HTTPHandler) handleRestore(w http.ResponseWriter, r *http.Request) {
	var batch models.RecordBatch
	if !h.decode(w, r, &batch) {
		return
	}
	report, err := h.service.Restore(r.Context(), batch.Records)
	if err != nil {
		writeError(w, err, "failed to restore snapshot")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	b, err := h.service.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, "failed to fetch ingestion status")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *HTTPHandler) handleAcquire(w http.ResponseWriter, r *http.Request) {
	ct, ok := parseCollectionType(w, r)
	if !ok {
		return
	}
	var req LeaseRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	if req.Holder == "" {
		req.Holder = r.RemoteAddr
	}
	l, err := h.service.AcquireCollection(r.Context(), ct, req.Holder)
	if err != nil {
		writeError(w, err, "failed to acquire lease")
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (h *HTTPHandler) handleRelease(w http.ResponseWriter, r *http.Request) {
	ct, ok := parseCollectionType(w, r)
	if !ok {
		return
	}
	l := lease.Lease{CollectionType: ct, Token: mux.Vars(r)["token"]}
	if err := h.service.ReleaseCollection(r.Context(), l); err != nil {
		writeError(w, err, "failed to release lease")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logger.Log.WithError(err).Warn("invalid request payload")
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "invalid request body", Reason: ReasonInvalidRequest})
		return false
	}
	return true
}

func parseSince(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return time.Time{}, true
	}
	since, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		writeError(w, models.ValidationError{Code: models.ReasonInvalidTimestamp, Field: "since", Err: err}, "")
		return time.Time{}, false
	}
	return since, true
}

func parseCollectionType(w http.ResponseWriter, r *http.Request) (models.CollectionType, bool) {
	raw := mux.Vars(r)["type"]
	ct, ok := models.ParseCollectionType(raw)
	if !ok {
		writeError(w, models.ValidationError{Code: models.ReasonInvalidCollectionType, Field: "type", Err: errors.New("unknown collection type " + raw)}, "")
		return "", false
	}
	return ct, true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case models.IsValidationError(err):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, partition.ErrBatchTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, retention.ErrRetentionConflict),
		errors.Is(err, lease.ErrLeaseHeld),
		errors.Is(err, lease.ErrLeaseLost):
		return http.StatusConflict
	case errors.Is(err, models.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error, msg string) {
	status := statusFor(err)
	resp := models.ErrorResponse{Error: err.Error()}
	var ve models.ValidationError
	if errors.As(err, &ve) {
		resp.Reason = ve.Code
	}
	if status >= 500 {
		logger.Log.WithError(err).Error(msg)
		if status == http.StatusInternalServerError {
			resp.Error = "internal error"
		}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.WithError(err).Warn("failed to write response")
	}
}
