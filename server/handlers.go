package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"sumtree/accumulator"
	"sumtree/mssmt"
	"sumtree/observability"
)

const maxBodyBytes = 1 << 16

type mutationRequest struct {
	Value  string `json:"value"`
	Amount uint64 `json:"amount"`
}

type eventPayload struct {
	Seq         uint64 `json:"seq"`
	Unit        string `json:"unit"`
	Op          string `json:"op"`
	Amount      uint64 `json:"amount"`
	Leaf        string `json:"leaf"`
	Root        string `json:"root"`
	Outstanding uint64 `json:"outstanding"`
}

func payloadFromEvent(ev accumulator.Event) eventPayload {
	return eventPayload{
		Seq:         ev.Seq,
		Unit:        ev.Unit,
		Op:          string(ev.Op),
		Amount:      ev.Amount,
		Leaf:        ev.LeafHash.String(),
		Root:        ev.RootHash.String(),
		Outstanding: ev.RootSum,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusForError maps accumulator failures onto response codes. Everything
// unrecognised is treated as a storage fault.
func statusForError(err error) int {
	switch {
	case errors.Is(err, accumulator.ErrUnknownUnit):
		return http.StatusNotFound
	case errors.Is(err, accumulator.ErrZeroAmount):
		return http.StatusBadRequest
	case errors.Is(err, accumulator.ErrAlreadyIssued),
		errors.Is(err, accumulator.ErrNotIssued):
		return http.StatusConflict
	case errors.Is(err, accumulator.ErrCapExceeded),
		errors.Is(err, accumulator.ErrSumOverflow):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleListUnits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"units": s.acc.Units()})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	unit := chi.URLParam(r, "unit")
	sum, root, err := s.acc.Outstanding(r.Context(), unit)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"unit": unit,
		"root": root.String(),
		"sum":  sum,
	})
}

func (s *Server) handleOutstanding(w http.ResponseWriter, r *http.Request) {
	unit := chi.URLParam(r, "unit")
	sum, root, err := s.acc.Outstanding(r.Context(), unit)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"unit":        unit,
		"outstanding": sum,
		"root":        root.String(),
	})
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	s.handleMutation(w, r, s.acc.Issue)
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	s.handleMutation(w, r, s.acc.Redeem)
}

type mutationFunc func(ctx context.Context, unit string, value []byte, amount uint64) (accumulator.Event, error)

func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request, op mutationFunc) {
	unit := chi.URLParam(r, "unit")

	var req mutationRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	value, err := hex.DecodeString(req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, "value must be hex encoded")
		return
	}

	ev, err := op(r.Context(), unit, value, req.Amount)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, payloadFromEvent(ev))
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	unit := chi.URLParam(r, "unit")

	keyBytes, err := hex.DecodeString(chi.URLParam(r, "leaf"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "leaf must be hex encoded")
		return
	}
	key, ok := mssmt.NewNodeHashFromBytes(keyBytes)
	if !ok {
		writeError(w, http.StatusBadRequest, "leaf must be 32 bytes")
		return
	}

	proof, root, leaf, err := s.acc.Prove(r.Context(), unit, key)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	var wire bytes.Buffer
	if err := proof.Compress().Encode(&wire); err != nil {
		writeError(w, http.StatusInternalServerError, "proof encoding failed")
		return
	}

	present := leaf != nil
	observability.Proofs().RecordServed(unit, present)

	resp := map[string]any{
		"unit":    unit,
		"leaf":    key.String(),
		"present": present,
		"proof":   hex.EncodeToString(wire.Bytes()),
		"root":    root.NodeHash().String(),
		"sum":     root.NodeSum(),
	}
	if present {
		resp["value"] = hex.EncodeToString(leaf.Value)
		resp["amount"] = leaf.NodeSum()
	}
	writeJSON(w, http.StatusOK, resp)
}
