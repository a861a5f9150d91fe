package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"pocketllm/internal/apperr"
)

type Envelope struct {
	Success  bool       `json:"success"`
	Data     any        `json:"data"`
	Error    *ErrorBody `json:"error"`
	Metadata Metadata   `json:"metadata"`
}

type ErrorBody struct {
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type Metadata struct {
	Timestamp        time.Time `json:"timestamp"`
	RequestID        string    `json:"requestId"`
	ProcessingTimeMs int64     `json:"processingTimeMs"`
}

type requestInfo struct {
	id    string
	start time.Time
}

type requestInfoKey struct{}

func withRequestInfo(ctx context.Context, info requestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

func requestInfoFrom(ctx context.Context) requestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(requestInfo)
	if info.start.IsZero() {
		info.start = time.Now()
	}
	return info
}

func metadataFor(r *http.Request) Metadata {
	info := requestInfoFrom(r.Context())
	now := time.Now().UTC()
	return Metadata{
		Timestamp:        now,
		RequestID:        info.id,
		ProcessingTimeMs: now.Sub(info.start).Milliseconds(),
	}
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, status int, env Envelope) {
	env.Metadata = metadataFor(r)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("write response")
	}
}

func writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeEnvelope(w, r, status, Envelope{Success: true, Data: data})
}

func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps err onto its status and public message. Detail only goes to
// the log.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	body := &ErrorBody{Message: apperr.PublicMessage(err)}
	if ae, ok := apperr.As(err); ok && ae.Kind == apperr.KindValidation {
		body.Fields = ae.Fields
	}

	log := zerolog.Ctx(r.Context())
	switch {
	case status >= http.StatusInternalServerError:
		log.Error().Err(err).Int("status", status).Msg("request failed")
	default:
		log.Debug().Err(err).Int("status", status).Msg("request rejected")
	}
	writeEnvelope(w, r, status, Envelope{Success: false, Error: body})
}

func writeStatus(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeEnvelope(w, r, status, Envelope{Success: false, Error: &ErrorBody{Message: msg}})
}

// decodeJSON reads exactly one JSON object into dst.
func decodeJSON(r *http.Request, dst any) error {
	const op = "httpapi.decode"
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return apperr.Validation(op, "request body too large")
		case errors.Is(err, io.EOF):
			return apperr.Validation(op, "request body is required")
		default:
			return apperr.E(apperr.KindValidation, op, "invalid JSON body: "+jsonReason(err), err)
		}
	}
	if dec.More() {
		return apperr.Validation(op, "invalid JSON body: unexpected trailing data")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return apperr.Validation(op, "invalid JSON body: unexpected trailing data")
	}
	return nil
}

func jsonReason(err error) string {
	var syntax *json.SyntaxError
	var typ *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntax):
		return "malformed JSON"
	case errors.As(err, &typ):
		if typ.Field != "" {
			return fmt.Sprintf("field %q has the wrong type", typ.Field)
		}
		return "wrong value type"
	}
	return err.Error()
}
