package http

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/couchcryptid/crop-report-service/internal/domain"
	"github.com/couchcryptid/crop-report-service/internal/pipeline"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
)

const (
	statusSuccess = "success"
	statusError   = "error"

	multipartMemory = 8 << 20
)

type uploadResponse struct {
	Status string        `json:"status"`
	Record domain.Report `json:"record"`
}

type latestResponse struct {
	Status  string         `json:"status"`
	Data    *domain.Report `json:"data"`
	Message string         `json:"message,omitempty"`
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

var errUnsupportedMediaType = errors.New("content type must be multipart/form-data or application/json")

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "Crop report service is running\n")
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)

	metadata, image, err := readSubmission(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
		case errors.Is(err, errUnsupportedMediaType):
			writeError(w, http.StatusUnsupportedMediaType, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	record, err := s.ingestor.Ingest(r.Context(), metadata, image)
	if err != nil {
		s.writeIngestError(w, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, uploadResponse{Status: statusSuccess, Record: record})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	record, err := s.ingestor.Latest(r.Context())
	if errors.Is(err, domain.ErrNotFound) {
		sharedobs.WriteJSON(w, http.StatusOK, latestResponse{Status: statusSuccess, Message: "no data yet"})
		return
	}
	if err != nil {
		s.writeIngestError(w, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, latestResponse{Status: statusSuccess, Data: &record})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	data, err := s.images.Retrieve(r.Context(), r.PathValue("locator"))
	if errors.Is(err, domain.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Error("read image failed", "locator", r.PathValue("locator"), "error", err)
		http.Error(w, "read image failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	_, _ = w.Write(data)
}

func handlePreflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// readSubmission extracts the metadata JSON and optional image from either a
// multipart form or a bare JSON body.
func readSubmission(r *http.Request) ([]byte, *pipeline.Upload, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, nil, errUnsupportedMediaType
	}

	switch mediaType {
	case "application/json":
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, nil, err
		}
		return body, nil, nil
	case "multipart/form-data":
		return readMultipart(r)
	default:
		return nil, nil, errUnsupportedMediaType
	}
}

func readMultipart(r *http.Request) ([]byte, *pipeline.Upload, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return nil, nil, fmt.Errorf("parse multipart form: %w", err)
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck // temp file cleanup

	var metadata []byte
	if values := r.MultipartForm.Value["metadata"]; len(values) > 0 {
		metadata = []byte(values[0])
	}

	files := r.MultipartForm.File["image"]
	if len(files) == 0 {
		return metadata, nil, nil
	}

	f, err := files[0].Open()
	if err != nil {
		return nil, nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, fmt.Errorf("read image: %w", err)
	}
	return metadata, &pipeline.Upload{Filename: files[0].Filename, Data: data}, nil
}

func (s *Server) writeIngestError(w http.ResponseWriter, err error) {
	var storageErr *domain.StorageError
	switch {
	case domain.IsClientError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &storageErr):
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, storageErr.PublicMessage())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	sharedobs.WriteJSON(w, status, errorResponse{Status: statusError, Message: message})
}
