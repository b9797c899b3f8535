package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/google/uuid"

	"meterflow/internal/pipeline"
	"meterflow/internal/sink"
	"meterflow/internal/source"
)

// errNoFile means the request carried no usable upload.
var errNoFile = errors.New("No file uploaded") //nolint:staticcheck // ST1005: message is part of the HTTP contract

// Event types of the processing stream.
const (
	eventProgress = "progress"
	eventComplete = "complete"
	eventError    = "error"
)

type progressEvent struct {
	Type          string `json:"type"`
	SQL           string `json:"sql"`
	TotalBatches  int    `json:"totalBatches"`
	TotalReadings int    `json:"totalReadings"`
}

type completeEvent struct {
	Type          string `json:"type"`
	TotalBatches  int    `json:"totalBatches"`
	TotalReadings int    `json:"totalReadings"`
	SkippedLines  int    `json:"skippedLines"`
}

type errorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// handleProcess handles POST /api/nem12/process.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	jobID := uuid.Must(uuid.NewV7()).String()
	w.Header().Set("X-Job-ID", jobID)
	logger := s.logger.With("job", jobID)

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	src, name, err := openUpload(r)
	if err != nil {
		if !errors.Is(err, errNoFile) {
			logger.Warn("rejecting upload", "error", err)
		}
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	events := newEventWriter(w)
	totalBatches, totalReadings := 0, 0
	progress := sink.FuncSink(func(_ context.Context, env sink.Envelope) error {
		totalBatches++
		totalReadings += len(env.Readings)
		return events.send(progressEvent{
			Type:          eventProgress,
			SQL:           s.gen.Render(env.Readings),
			TotalBatches:  totalBatches,
			TotalReadings: totalReadings,
		})
	})

	res, err := pipeline.Run(r.Context(), src, progress, pipeline.Config{
		Name:      name,
		Processor: s.cfg.Processor,
		Metrics:   s.cfg.Metrics,
		Logger:    logger,
	})
	if err != nil {
		if r.Context().Err() != nil {
			return // client went away
		}
		_ = events.send(errorEvent{Type: eventError, Error: err.Error()})
		return
	}

	_ = events.send(completeEvent{
		Type:          eventComplete,
		TotalBatches:  totalBatches,
		TotalReadings: totalReadings,
		SkippedLines:  res.Stats.SkippedLines,
	})
}

// openUpload returns the upload stream and a name for it. Multipart uploads
// are read part by part without spooling to disk; the file part is
// decompressed by its name suffix. Raw bodies honour Content-Encoding.
func openUpload(r *http.Request) (io.ReadCloser, string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		if r.ContentLength == 0 {
			return nil, "", errNoFile
		}
		rc, err := source.Decompress(r.Body, r.Header.Get("Content-Encoding"))
		return rc, "upload", err
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, "", fmt.Errorf("read multipart form: %w", err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, "", errNoFile
		}
		if err != nil {
			return nil, "", fmt.Errorf("read multipart form: %w", err)
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}
		// A plain form value is not a file.
		if part.FileName() == "" {
			_ = part.Close()
			return nil, "", errNoFile
		}
		rc, err := source.Decompress(part, source.EncodingForName(part.FileName()))
		return rc, part.FileName(), err
	}
}

// eventWriter writes server-sent events, flushing after each one.
type eventWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newEventWriter(w http.ResponseWriter) *eventWriter {
	return &eventWriter{w: w, rc: http.NewResponseController(w)}
}

func (e *eventWriter) send(v any) error {
	var buf bytes.Buffer
	buf.WriteString("data: ")
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	buf.WriteByte('\n') // Encode ended the line; a blank line ends the event

	if _, err := e.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if err := e.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("flush event: %w", err)
	}
	return nil
}
