package dispatch

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// MaxNotificationSize bounds the body a Receiver accepts.
const MaxNotificationSize = 64 << 10

// NotificationHandler processes one notification on the receiving side, typically by running the guild's
// policy engine against the subject.
type NotificationHandler func(ctx context.Context, n *Notification) error

type ReceiverOption func(*Receiver)

// WithAuthToken makes the receiver require the bearer token the dispatcher was configured with.
func WithAuthToken(token string) ReceiverOption {
	return func(r *Receiver) {
		r.authToken = token
	}
}

func WithLogger(logger *slog.Logger) ReceiverOption {
	return func(r *Receiver) {
		r.logger = logger
	}
}

// Receiver is an http.Handler for guilds consuming notifications. Every notification is processed at most once
// per idempotency key; repeats are acknowledged without reaching the handler.
type Receiver struct {
	dedupe    Deduper
	handler   NotificationHandler
	authToken string
	logger    *slog.Logger
}

func NewReceiver(dedupe Deduper, handler NotificationHandler, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		dedupe:  dedupe,
		handler: handler,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("component", "receiver")
	return r
}

type receiverResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body receiverResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, receiverResponse{Status: "error", Error: "method not allowed"})
		return
	}
	if r.authToken != "" {
		want := "Bearer " + r.authToken
		if subtle.ConstantTimeCompare([]byte(req.Header.Get("Authorization")), []byte(want)) != 1 {
			writeJSON(w, http.StatusUnauthorized, receiverResponse{Status: "error", Error: "unauthorized"})
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, MaxNotificationSize+1))
	if err != nil || len(body) > MaxNotificationSize {
		writeJSON(w, http.StatusBadRequest, receiverResponse{Status: "error", Error: "unreadable body"})
		return
	}
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		writeJSON(w, http.StatusBadRequest, receiverResponse{Status: "error", Error: "invalid notification"})
		return
	}
	// the key is recomputed so a sender cannot make distinct revisions collide
	key := n.ReportChanged.IdempotencyKey()
	if n.ReportID == 0 || (n.IdempotencyKey != "" && n.IdempotencyKey != key) {
		writeJSON(w, http.StatusBadRequest, receiverResponse{Status: "error", Error: "idempotency key mismatch"})
		return
	}
	if h := req.Header.Get(HeaderIdempotencyKey); h != "" && h != key {
		writeJSON(w, http.StatusBadRequest, receiverResponse{Status: "error", Error: "idempotency key mismatch"})
		return
	}

	ctx := req.Context()
	first, err := r.dedupe.SeenOnce(ctx, key)
	if err != nil {
		r.logger.Error("dedupe check failed", "key", key, "err", err)
		writeJSON(w, http.StatusServiceUnavailable, receiverResponse{Status: "error", Error: "dedupe unavailable"})
		return
	}
	if !first {
		duplicatesReceived.Inc()
		r.logger.Debug("duplicate notification acknowledged", "key", key, "delivery", req.Header.Get(HeaderDeliveryID))
		writeJSON(w, http.StatusOK, receiverResponse{Status: "duplicate"})
		return
	}

	if err := r.handler(ctx, &n); err != nil {
		r.logger.Warn("notification handler failed", "key", key, "err", err)
		if ferr := r.dedupe.Forget(ctx, key); ferr != nil {
			r.logger.Error("failed to forget idempotency key", "key", key, "err", ferr)
		}
		writeJSON(w, http.StatusInternalServerError, receiverResponse{Status: "error", Error: "processing failed"})
		return
	}
	writeJSON(w, http.StatusOK, receiverResponse{Status: "ok"})
}
