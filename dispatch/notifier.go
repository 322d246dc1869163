package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/crossguard/janitor/models"

	"github.com/hashicorp/go-cleanhttp"
)

// FailureNotifier surfaces permanent delivery failures to the people who can fix the endpoint.
type FailureNotifier interface {
	NotifyFailure(ctx context.Context, f *models.DeliveryFailure) error
}

type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) NotifyFailure(ctx context.Context, f *models.DeliveryFailure) error {
	n.Logger.Error("webhook delivery failed permanently", "guild", f.GuildID, "endpoint", f.EndpointURL, "report", f.ReportID, "attempts", f.Attempts, "status", f.LastStatus, "err", f.Error)
	return nil
}

type SlackNotifier struct {
	SlackWebhookURL string
	client          *http.Client
}

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	client := cleanhttp.DefaultClient()
	client.Timeout = 10 * time.Second
	return &SlackNotifier{SlackWebhookURL: webhookURL, client: client}
}

type SlackWebhookBody struct {
	Text string `json:"text"`
}

func (n *SlackNotifier) NotifyFailure(ctx context.Context, f *models.DeliveryFailure) error {
	msg := "⚠️ Janitor Webhook Delivery Failure ⚠️\n"
	msg += fmt.Sprintf("Guild `%s` endpoint `%s`\n", f.GuildID, f.EndpointURL)
	msg += fmt.Sprintf("Report `%d` (`%s`) gave up after %d attempts", f.ReportID, f.IdempotencyKey, f.Attempts)
	if f.LastStatus != 0 {
		msg += fmt.Sprintf(", last status %d", f.LastStatus)
	}
	msg += fmt.Sprintf("\n```%s```\n", f.Error)
	return n.sendSlackMsg(ctx, msg)
}

// Sends a simple slack message to a channel via "incoming webhook".
func (n *SlackNotifier) sendSlackMsg(ctx context.Context, msg string) error {
	body, err := json.Marshal(SlackWebhookBody{Text: msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.SlackWebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	if resp.StatusCode != 200 || buf.String() != "ok" {
		return fmt.Errorf("failed slack webhook POST request. status=%d", resp.StatusCode)
	}
	return nil
}

// MultiNotifier fans a failure out to several notifiers, returning the first error.
type MultiNotifier []FailureNotifier

func (m MultiNotifier) NotifyFailure(ctx context.Context, f *models.DeliveryFailure) error {
	var first error
	for _, n := range m {
		if err := n.NotifyFailure(ctx, f); err != nil && first == nil {
			first = err
		}
	}
	return first
}
