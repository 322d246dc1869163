package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/crossguard/janitor/errs"
	"github.com/crossguard/janitor/models"
	"github.com/crossguard/janitor/util"

	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type attemptsKey struct{}

// WebhookClient posts notifications to guild endpoints, retrying connection errors, 429 and 5xx responses with
// bounded exponential backoff. Any other non-2xx response is final.
type WebhookClient struct {
	logger    *slog.Logger
	client    *retryablehttp.Client
	authToken string
	userAgent string
}

func NewWebhookClient(config Config) *WebhookClient {
	logger := config.Logger.With("component", "webhook_client")

	var httpClient *http.Client
	if config.HTTPClient != nil {
		// copied so the attempt timeout does not leak into the caller's client
		c := *config.HTTPClient
		httpClient = &c
	} else {
		httpClient = cleanhttp.DefaultPooledClient()
		httpClient.Transport = otelhttp.NewTransport(httpClient.Transport)
	}
	httpClient.Timeout = config.AttemptTimeout

	rc := retryablehttp.NewClient()
	rc.HTTPClient = httpClient
	rc.RetryMax = config.MaxAttempts - 1
	rc.RetryWaitMin = config.BackoffMin
	rc.RetryWaitMax = config.BackoffMax
	rc.Logger = retryablehttp.LeveledLogger(util.NewLeveledSlog(logger))
	// keep the final response so its status can be recorded
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, retry int) {
		if n, ok := req.Context().Value(attemptsKey{}).(*int); ok {
			*n = retry + 1
		}
		if retry > 0 {
			deliveryRetries.Inc()
		}
	}

	return &WebhookClient{
		logger:    logger,
		client:    rc,
		authToken: config.AuthToken,
		userAgent: config.UserAgent,
	}
}

type SendResult struct {
	DeliveryID string
	Attempts   int
	StatusCode int
	Err        error
}

// Send delivers one queued notification. A nil Err means the endpoint acknowledged it with a 2xx status.
func (w *WebhookClient) Send(ctx context.Context, sub *models.WebhookSubscription, entry *models.OutboxEntry) *SendResult {
	res := &SendResult{DeliveryID: uuid.NewString()}
	ctx = context.WithValue(ctx, attemptsKey{}, &res.Attempts)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, sub.EndpointURL, bytes.NewReader(entry.Payload))
	if err != nil {
		res.Err = fmt.Errorf("failed to create request: %w", err)
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", w.userAgent)
	req.Header.Set(HeaderIdempotencyKey, entry.IdempotencyKey)
	req.Header.Set(HeaderDeliveryID, res.DeliveryID)
	req.Header.Set(HeaderGuildID, sub.GuildID.String())
	if w.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.authToken)
	}

	resp, err := w.client.Do(req)
	if resp != nil {
		res.StatusCode = resp.StatusCode
		webhookRequests.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}
	if err != nil {
		res.Err = &errs.DeliveryError{GuildID: sub.GuildID.String(), StatusCode: res.StatusCode, Attempts: res.Attempts, Permanent: ctx.Err() == nil, Err: err}
		return res
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.Err = &errs.DeliveryError{GuildID: sub.GuildID.String(), StatusCode: res.StatusCode, Attempts: res.Attempts, Permanent: true, Err: fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)}
		return res
	}
	w.logger.Debug("notification delivered", "guild", sub.GuildID, "entry", entry.ID, "delivery", res.DeliveryID, "attempts", res.Attempts)
	return res
}
