// Package ingress is the bare HTTP seam the (out-of-scope) TLS listener
// plugs into: /validate and /mutate decode an AdmissionReview, run it
// through the matcher and dispatcher, and write back the response.
// Checkpoint itself never terminates TLS.
package ingress

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"

	"github.com/devsisters/checkpoint/internal/dispatcher"
	"github.com/devsisters/checkpoint/internal/matcher"
)

// Evaluator is the subset of wiring the HTTP handler needs: resolve the
// matching rules for a request, then run them.
type Evaluator interface {
	Match(ctx context.Context, req *admissionv1.AdmissionRequest) (matcher.Result, error)
	Dispatch(ctx context.Context, req *admissionv1.AdmissionRequest, match matcher.Result) (dispatcher.MergedOutcome, error)
}

// Handler serves /validate, /mutate, and /ping.
type Handler struct {
	eval   Evaluator
	logger *slog.Logger
}

// NewHandler returns a Handler backed by eval.
func NewHandler(eval Evaluator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{eval: eval, logger: logger.With("component", "ingress")}
}

// Routes returns the mux Checkpoint's TLS listener (or a plain
// net/http.Server for local testing) should serve behind. /validate and
// /mutate back two distinct AdmissionRegistration resources
// (ValidatingWebhookConfiguration / MutatingWebhookConfiguration per
// spec.md §6), so each only evaluates its own rule kind: /validate never
// runs a MutatingRule or returns a patch, and /mutate never evaluates a
// ValidatingRule.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/validate", h.serveValidate)
	mux.HandleFunc("/mutate", h.serveMutate)
	mux.HandleFunc("/ping", h.servePing)
	return mux
}

func (h *Handler) servePing(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) serveValidate(w http.ResponseWriter, r *http.Request) {
	h.serveReview(w, r, func(match *matcher.Result) { match.Mutating = nil })
}

func (h *Handler) serveMutate(w http.ResponseWriter, r *http.Request) {
	h.serveReview(w, r, func(match *matcher.Result) { match.Validating = nil })
}

// serveReview decodes the AdmissionReview, matches, then applies
// restrictToKind to drop the rule kind the calling endpoint doesn't own
// before dispatching.
func (h *Handler) serveReview(w http.ResponseWriter, r *http.Request, restrictToKind func(*matcher.Result)) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}

	var review admissionv1.AdmissionReview
	if err := json.Unmarshal(body, &review); err != nil {
		http.Error(w, "decoding AdmissionReview", http.StatusBadRequest)
		return
	}
	if review.Request == nil {
		http.Error(w, "AdmissionReview has no request", http.StatusBadRequest)
		return
	}

	match, err := h.eval.Match(ctx, review.Request)
	if err != nil {
		h.logger.ErrorContext(ctx, "matching failed", slog.String("error", err.Error()))
		h.writeResponse(w, review, failClosed(review.Request.UID, err))
		return
	}
	restrictToKind(&match)

	outcome, err := h.eval.Dispatch(ctx, review.Request, match)
	if err != nil {
		h.logger.ErrorContext(ctx, "dispatch failed", slog.String("error", err.Error()))
		h.writeResponse(w, review, failClosed(review.Request.UID, err))
		return
	}

	for _, v := range outcome.Verdicts {
		h.logger.DebugContext(ctx, "rule verdict",
			slog.String("uid", outcome.UID),
			slog.String("rule", v.RuleName),
			slog.Bool("mutating", v.Mutating),
			slog.Bool("allowed", v.Allowed),
			slog.Bool("errored", v.Errored),
			slog.String("reason", v.Reason))
	}

	h.writeResponse(w, review, outcome.ToAdmissionResponse())
}

func failClosed(uid types.UID, err error) *admissionv1.AdmissionResponse {
	return &admissionv1.AdmissionResponse{
		UID:     uid,
		Allowed: false,
		Result:  &metav1.Status{Message: err.Error()},
	}
}

func (h *Handler) writeResponse(w http.ResponseWriter, review admissionv1.AdmissionReview, resp *admissionv1.AdmissionResponse) {
	review.Response = resp
	review.Request = nil

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(review); err != nil {
		h.logger.Error("encoding AdmissionReview response", slog.String("error", err.Error()))
	}
}

// ObjectLabels extracts metadata.labels from an AdmissionRequest's object,
// the label set the matcher's objectSelector check needs.
func ObjectLabels(req *admissionv1.AdmissionRequest) (map[string]string, error) {
	if len(req.Object.Raw) == 0 {
		return nil, nil
	}
	var obj unstructured.Unstructured
	if err := obj.UnmarshalJSON(req.Object.Raw); err != nil {
		return nil, err
	}
	return obj.GetLabels(), nil
}
