package server

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jupark12/docflow/broker"
	"github.com/jupark12/docflow/common"
	"github.com/jupark12/docflow/extract"
)

type pageRequest struct {
	Text     string `json:"text"`
	Image    []byte `json:"image,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
}

type createJobRequest struct {
	DocumentID string        `json:"document_id"`
	TotalPages int           `json:"total_pages"`
	PeriodID   string        `json:"period_id"`
	Pages      []pageRequest `json:"pages"`
}

// createJob accepts either a JSON body with pre-split pages or a multipart
// PDF upload in the "file" field.
func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var (
		req broker.SubmitRequest
		err error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		req, err = s.readUpload(w, r)
	} else {
		req, err = readJSONJob(r)
	}
	if err != nil {
		common.RespondWithErr(w, err)
		return
	}

	job, err := s.broker.SubmitJob(r.Context(), req)
	if err != nil {
		common.RespondWithErr(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusAccepted, job)
}

func readJSONJob(r *http.Request) (broker.SubmitRequest, error) {
	var body createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return broker.SubmitRequest{}, common.InvalidInputf("invalid request: %v", err)
	}
	req := broker.SubmitRequest{
		DocumentID: body.DocumentID,
		TotalPages: body.TotalPages,
		PeriodID:   body.PeriodID,
		Pages:      make([]extract.PageInput, len(body.Pages)),
	}
	for i, p := range body.Pages {
		req.Pages[i] = extract.PageInput{Text: p.Text, Image: p.Image, MIMEType: p.MIMEType}
	}
	return req, nil
}

func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (broker.SubmitRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return broker.SubmitRequest{}, common.InvalidInputf("upload exceeds %d bytes", tooLarge.Limit)
		}
		return broker.SubmitRequest{}, common.InvalidInputf("invalid multipart form: %v", err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return broker.SubmitRequest{}, common.InvalidInputf("missing PDF file")
	}
	defer file.Close()

	path, err := s.opts.Uploads.Put(header.Filename, file)
	if err != nil {
		return broker.SubmitRequest{}, err
	}
	defer func() {
		if err := s.opts.Uploads.Remove(path); err != nil {
			s.log.Warn("upload.remove_failed", "path", path, "error", err)
		}
	}()

	pages, err := extract.SplitPDF(path)
	if err != nil {
		return broker.SubmitRequest{}, common.InvalidInputf("%s: %v", header.Filename, err)
	}
	for i := range pages {
		pages[i].DocumentID = header.Filename
	}
	return broker.SubmitRequest{
		DocumentID: header.Filename,
		PeriodID:   r.FormValue("period_id"),
		Pages:      pages,
	}, nil
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.broker.ListJobs(r.URL.Query().Get("status"))
	if err != nil {
		common.RespondWithErr(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.broker.GetJob(chi.URLParam(r, "jobID"))
	if err != nil {
		common.RespondWithErr(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, job)
}

func (s *Server) jobEvents(w http.ResponseWriter, r *http.Request) {
	sub, err := s.broker.SubscribeJob(chi.URLParam(r, "jobID"))
	if err != nil {
		common.RespondWithErr(w, err)
		return
	}
	s.serveSSE(w, r, sub)
}

func (s *Server) jobSocket(w http.ResponseWriter, r *http.Request) {
	sub, err := s.broker.SubscribeJob(chi.URLParam(r, "jobID"))
	if err != nil {
		common.RespondWithErr(w, err)
		return
	}
	s.serveWebSocket(w, r, sub)
}
