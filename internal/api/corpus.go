package api

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/nlquery/nlquery/internal/failure"
)

const defaultMaxCorpusBytes int64 = 8 << 20

func handleCorpusReload(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Corpus == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CORPUS_NOT_CONFIGURED", "exemplar corpus is not configured", false, nil)
		return
	}
	count, err := deps.Corpus.ReloadCorpus(r.Context())
	recordRevision(deps, r, count, err)
	if err != nil {
		writeCorpusError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exemplars": count, "source": deps.CorpusSource})
}

func handleCorpusReplace(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Corpus == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CORPUS_NOT_CONFIGURED", "exemplar corpus is not configured", false, nil)
		return
	}
	maxBytes := deps.MaxCorpusBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxCorpusBytes
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_BODY", "failed to read corpus body", false, map[string]any{"details": err.Error()})
		return
	}
	if int64(len(body)) > maxBytes {
		writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "CORPUS_TOO_LARGE", fmt.Sprintf("corpus exceeds %d bytes", maxBytes), false, nil)
		return
	}

	count, err := deps.Corpus.ReplaceCorpus(r.Context(), body)
	recordRevision(deps, r, count, err)
	if err != nil {
		writeCorpusError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exemplars": count, "source": deps.CorpusSource})
}

func writeCorpusError(deps Dependencies, w http.ResponseWriter, r *http.Request, err error) {
	if deps.Logger != nil {
		deps.Logger.WarnContext(r.Context(), "corpus_update_failed", slog.String("error", err.Error()))
	}
	switch failure.KindOf(err) {
	case failure.KindLoad:
		writeError(r.Context(), w, http.StatusUnprocessableEntity, "CORPUS_INVALID", "corpus could not be loaded", false, map[string]any{"details": err.Error()})
	case failure.KindInvalidArgument:
		writeError(r.Context(), w, http.StatusConflict, "CORPUS_READ_ONLY", "corpus source does not accept updates", false, nil)
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, "CORPUS_ERROR", "corpus update failed", true, map[string]any{"details": err.Error()})
	}
}

func recordRevision(deps Dependencies, r *http.Request, count int, cause error) {
	if deps.Revisions == nil {
		return
	}
	if err := deps.Revisions.RecordCorpusRevision(r.Context(), deps.CorpusSource, count, cause); err != nil && deps.Logger != nil {
		deps.Logger.WarnContext(r.Context(), "corpus_revision_record_failed", slog.String("error", err.Error()))
	}
}
