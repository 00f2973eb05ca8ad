package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/shohag/driprelay/internal/config"
	"github.com/shohag/driprelay/internal/models"
	"github.com/shohag/driprelay/internal/storage"
)

type SequenceHandler struct {
	store    storage.Storage
	jobs     Submitter
	defaults config.SequenceConfig
	log      zerolog.Logger
}

func NewSequenceHandler(store storage.Storage, jobs Submitter, defaults config.SequenceConfig, log zerolog.Logger) *SequenceHandler {
	return &SequenceHandler{store: store, jobs: jobs, defaults: defaults, log: log}
}

type sectionRequest struct {
	Name        string `json:"name" validate:"required,max=64"`
	Description string `json:"description" validate:"max=1000"`
	WordCount   int    `json:"word_count" validate:"omitempty,min=1,max=2000"`
}

type createSequenceRequest struct {
	FormID        string            `json:"form_id" validate:"max=128"`
	Recipient     string            `json:"recipient" validate:"required,email"`
	Topic         string            `json:"topic" validate:"required,max=500"`
	Inputs        map[string]string `json:"inputs" validate:"omitempty,max=50,dive,keys,required,max=64,endkeys,max=2000"`
	TargetCount   int               `json:"target_count" validate:"omitempty,min=1,max=365"`
	CadenceDays   int               `json:"cadence_days" validate:"omitempty,min=1,max=90"`
	TopicDepth    int               `json:"topic_depth" validate:"omitempty,min=1,max=50"`
	Sections      []sectionRequest  `json:"sections" validate:"required,min=1,max=10,unique=Name,dive"`
	PreferredTime string            `json:"preferred_time"`
	Timezone      string            `json:"timezone" validate:"omitempty,timezone"`
}

type createSequenceResponse struct {
	Sequence  *models.Sequence `json:"sequence"`
	Duplicate bool             `json:"duplicate"`
	Queued    bool             `json:"queued"`
}

// dedupeKey identifies one submission of one form by one recipient.
func dedupeKey(formID, recipient, topic string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		strings.TrimSpace(formID),
		strings.ToLower(strings.TrimSpace(recipient)),
		strings.TrimSpace(topic),
	}, "|")))
	return hex.EncodeToString(sum[:])
}

func (h *SequenceHandler) Create(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req createSequenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	preferred := h.defaults.PreferredTime
	if req.PreferredTime != "" {
		parsed, err := models.ParseClockTime(req.PreferredTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "preferred_time must be HH:MM")
			return
		}
		preferred = parsed
	}

	key := dedupeKey(req.FormID, req.Recipient, req.Topic)
	existing, err := h.store.GetSequenceByDedupeKey(r.Context(), key)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, createSequenceResponse{Sequence: existing, Duplicate: true})
		return
	case !errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusInternalServerError, "failed to check for duplicates")
		return
	}

	now := time.Now().UTC()
	seq := &models.Sequence{
		ID:            models.NewID("seq"),
		FormID:        strings.TrimSpace(req.FormID),
		DedupeKey:     key,
		Topic:         strings.TrimSpace(req.Topic),
		Inputs:        req.Inputs,
		TargetCount:   orDefault(req.TargetCount, h.defaults.TargetCount),
		CadenceDays:   orDefault(req.CadenceDays, h.defaults.CadenceDays),
		TopicDepth:    req.TopicDepth,
		Sections:      make([]models.Section, len(req.Sections)),
		Recipient:     strings.TrimSpace(req.Recipient),
		PreferredTime: preferred,
		Timezone:      req.Timezone,
		Status:        models.SequencePending,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if seq.Inputs == nil {
		seq.Inputs = map[string]string{}
	}
	if seq.Timezone == "" {
		seq.Timezone = h.defaults.Timezone
	}
	for i, s := range req.Sections {
		seq.Sections[i] = models.Section{Name: s.Name, Description: s.Description, WordCount: s.WordCount}
	}

	if err := h.store.CreateSequence(r.Context(), seq); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create sequence")
		return
	}

	queued := h.jobs.Submit(seq.ID)
	if !queued {
		h.log.Warn().Str("sequence_id", seq.ID).Msg("generation queue full, sequence left pending")
	}
	writeJSON(w, http.StatusAccepted, createSequenceResponse{Sequence: seq, Queued: queued})
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func (h *SequenceHandler) List(w http.ResponseWriter, r *http.Request) {
	status := models.SequenceStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.SequencePending, models.SequenceGenerating, models.SequenceCompleted, models.SequenceFailed:
	default:
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	seqs, err := h.store.ListSequences(r.Context(), status, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sequences")
		return
	}
	if seqs == nil {
		seqs = []models.Sequence{}
	}
	writeJSON(w, http.StatusOK, seqs)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func (h *SequenceHandler) Get(w http.ResponseWriter, r *http.Request) {
	seq, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, seq)
}

func (h *SequenceHandler) Items(w http.ResponseWriter, r *http.Request) {
	seq, ok := h.load(w, r)
	if !ok {
		return
	}
	items, err := h.store.ListItems(r.Context(), seq.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	if items == nil {
		items = []models.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

type updateSequenceRequest struct {
	Active *bool `json:"active" validate:"required"`
}

func (h *SequenceHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateSequenceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.store.SetSequenceActive(r.Context(), id, *req.Active); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "sequence not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update sequence")
		return
	}
	seq, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, seq)
}

// Resume queues a pending or failed sequence for another generation run.
func (h *SequenceHandler) Resume(w http.ResponseWriter, r *http.Request) {
	seq, ok := h.load(w, r)
	if !ok {
		return
	}
	switch seq.Status {
	case models.SequenceCompleted:
		writeError(w, http.StatusConflict, "sequence already completed")
		return
	case models.SequenceGenerating:
		writeError(w, http.StatusConflict, "sequence is generating")
		return
	}
	if !h.jobs.Submit(seq.ID) {
		writeError(w, http.StatusServiceUnavailable, "generation queue full, try again later")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"sequence_id": seq.ID,
		"status":      "queued",
	})
}

func (h *SequenceHandler) load(w http.ResponseWriter, r *http.Request) (*models.Sequence, bool) {
	seq, err := h.store.GetSequence(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "sequence not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get sequence")
		return nil, false
	}
	return seq, true
}
