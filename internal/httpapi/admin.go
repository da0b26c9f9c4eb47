// internal/httpapi/admin.go
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	apperrors "sheetbridge/internal/common/errors"
)

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	c := s.deps.Validator.Contract()
	if c == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"columns": map[string]interface{}{}})
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleSetSchema(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	c, path, err := s.deps.Validator.Replace(body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"saved":   path,
		"columns": c.ColumnNames(),
	})
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), 100)
	if err != nil || limit < 1 || limit > 1000 {
		s.fail(w, r, apperrors.NewBadRequestError("limit must be between 1 and 1000"))
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		s.fail(w, r, apperrors.NewBadRequestError("offset must be >= 0"))
		return
	}

	items, err := s.deps.DLQ.List(r.Context(), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	total, err := s.deps.DLQ.Count(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":  items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleRetryDeadLetters(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Retry.RunCycle(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.fail(w, r, apperrors.NewBadRequestError("id must be an integer"))
		return
	}
	if err := s.deps.DLQ.Remove(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": id})
}

// handlePurgeDeadLetters deletes every entry, or only one reason family when
// "reason" is given as a query parameter or in a JSON body.
func (s *Server) handlePurgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" && r.ContentLength != 0 {
		body, err := s.readBody(w, r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if len(body) > 0 {
			var req struct {
				Reason string `json:"reason"`
			}
			if err := json.Unmarshal(body, &req); err != nil {
				s.fail(w, r, apperrors.NewBadRequestError("invalid json body"))
				return
			}
			reason = req.Reason
		}
	}
	n, err := s.deps.DLQ.Purge(r.Context(), reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"purged": n})
}

func (s *Server) handleDuplicates(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rows.KeyColumn() == "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"detail": "no key_column set"})
		return
	}
	dupes, err := s.deps.Rows.Duplicates(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key_column": s.deps.Rows.KeyColumn(),
		"duplicates": dupes,
	})
}

func (s *Server) handlePurgeIdempotency(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Ledger.PurgeExpired(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"purged": n})
}

// ==========================
// Sync
// ==========================

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Reconcile.RunOnce(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Reconcile.Status())
}

func (s *Server) handleSyncEnable(w http.ResponseWriter, r *http.Request) {
	s.deps.Reconcile.Enable()
	writeJSON(w, http.StatusOK, s.deps.Reconcile.Status())
}

func (s *Server) handleSyncDisable(w http.ResponseWriter, r *http.Request) {
	s.deps.Reconcile.Disable()
	writeJSON(w, http.StatusOK, s.deps.Reconcile.Status())
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
