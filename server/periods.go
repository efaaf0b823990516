package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jupark12/docflow/common"
	"github.com/jupark12/docflow/models"
	"github.com/jupark12/docflow/period"
)

type createPeriodRequest struct {
	Label    string `json:"label"`
	Category string `json:"category"`
}

func (s *Server) createPeriod(w http.ResponseWriter, r *http.Request) {
	var req createPeriodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.RespondWithError(w, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}
	p, err := s.broker.CreatePeriod(r.Context(), req.Label, req.Category)
	if err != nil {
		common.RespondWithErr(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusCreated, p)
}

func (s *Server) listPeriods(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	periods, err := s.broker.ListPeriods(period.Filter{
		Category: q.Get("category"),
		State:    models.PeriodState(q.Get("state")),
		Search:   q.Get("search"),
	})
	if err != nil {
		common.RespondWithErr(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, periods)
}

func (s *Server) getPeriod(w http.ResponseWriter, r *http.Request) {
	snap, err := s.broker.GetPeriod(chi.URLParam(r, "periodID"))
	if err != nil {
		common.RespondWithErr(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, snap)
}

func (s *Server) lockPeriod(w http.ResponseWriter, r *http.Request) {
	p, err := s.broker.LockPeriod(r.Context(), chi.URLParam(r, "periodID"))
	if err != nil {
		common.RespondWithErr(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, p)
}

func (s *Server) deletePeriod(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.DeletePeriod(r.Context(), chi.URLParam(r, "periodID")); err != nil {
		common.RespondWithErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) detachJob(w http.ResponseWriter, r *http.Request) {
	periodID := chi.URLParam(r, "periodID")
	if err := s.broker.DetachJob(r.Context(), periodID, chi.URLParam(r, "jobID")); err != nil {
		common.RespondWithErr(w, err)
		return
	}
	snap, err := s.broker.GetPeriod(periodID)
	if err != nil {
		common.RespondWithErr(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, snap)
}

func (s *Server) exportPeriod(w http.ResponseWriter, r *http.Request) {
	periodID := chi.URLParam(r, "periodID")
	data, err := s.broker.ExportPeriod(periodID)
	if err != nil {
		common.RespondWithErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", periodID+".xlsx"))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) periodEvents(w http.ResponseWriter, r *http.Request) {
	sub, err := s.broker.SubscribePeriod(chi.URLParam(r, "periodID"))
	if err != nil {
		common.RespondWithErr(w, err)
		return
	}
	s.serveSSE(w, r, sub)
}

func (s *Server) periodSocket(w http.ResponseWriter, r *http.Request) {
	sub, err := s.broker.SubscribePeriod(chi.URLParam(r, "periodID"))
	if err != nil {
		common.RespondWithErr(w, err)
		return
	}
	s.serveWebSocket(w, r, sub)
}
