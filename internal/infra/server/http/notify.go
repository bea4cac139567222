package httpserver

import (
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/coachpo/paybridge/errs"
	"github.com/coachpo/paybridge/internal/app/callbacks"
	"github.com/coachpo/paybridge/internal/domain/fields"
	"github.com/coachpo/paybridge/internal/observability"
)

// notifyReply is the acknowledgement shape the gateway expects.
type notifyReply struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

var (
	replyInvalidPayload = notifyReply{Code: -1, Msg: "invalid payload"}
	replyTooLarge       = notifyReply{Code: -1, Msg: "payload too large"}
	replyInvalidSign    = notifyReply{Code: -1, Msg: "invalid sign"}
	replyRetryLater     = notifyReply{Code: -1, Msg: "internal error"}
	replyDuplicate      = notifyReply{Code: 0, Msg: "duplicate ignored"}
	replyUnknownOrder   = notifyReply{Code: 0, Msg: "ok"}
	replySuccess        = notifyReply{Code: 0, Msg: "success"}
	replyProbe          = notifyReply{Code: 0, Msg: "notify endpoint expects POST"}
)

func (s *httpServer) notifyProbe(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, replyProbe)
}

func (s *httpServer) notify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	payload, err := readPayload(r)
	if err != nil || len(payload) == 0 {
		if isRequestTooLarge(err) {
			writeJSON(w, http.StatusRequestEntityTooLarge, replyTooLarge)
			return
		}
		s.logger.Info("notification body rejected",
			observability.F("contentType", r.Header.Get("Content-Type")), observability.Err(err))
		writeJSON(w, http.StatusBadRequest, replyInvalidPayload)
		return
	}

	res, err := s.notifier.Process(r.Context(), payload)
	switch {
	case errs.Is(err, errs.CodeInvalidSignature):
		writeJSON(w, http.StatusBadRequest, replyInvalidSign)
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, replyRetryLater)
	case res.Outcome == callbacks.OutcomeDuplicate:
		writeJSON(w, http.StatusOK, replyDuplicate)
	case res.Outcome == callbacks.OutcomeOrderNotFound:
		writeJSON(w, http.StatusOK, replyUnknownOrder)
	default:
		writeJSON(w, http.StatusOK, replySuccess)
	}
}

// readPayload accepts JSON, URL-encoded and multipart bodies. Repeated form
// keys keep their first value.
func readPayload(r *http.Request) (map[string]any, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		return firstValues(r.PostForm), nil
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
			return nil, err
		}
		return firstValues(r.MultipartForm.Value), nil
	default:
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		return fields.DecodeObject(raw)
	}
}

func firstValues(values map[string][]string) map[string]any {
	flat := make(map[string]string, len(values))
	for key, vs := range values {
		if len(vs) > 0 {
			flat[key] = vs[0]
		}
	}
	return fields.FromStrings(flat)
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}
