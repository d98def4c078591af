// Package notifications delivers push notifications for run lifecycle and
// calibration events over ntfy.
package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"magpie/internal/config"
)

const userAgent = "Magpie-Go/0.1.0"

// Service defines the notification surface exposed to the workflow and
// calibration components.
type Service interface {
	NotifyRunStarted(ctx context.Context, itemID, runType string) error
	NotifyRunCompleted(ctx context.Context, itemID string, completionScore float64) error
	NotifyRunFailed(ctx context.Context, itemID, reason string) error
	NotifyReviewNeeded(ctx context.Context, itemID, reason string) error
	NotifyAnomaly(ctx context.Context, family, severity, message string) error
	NotifyError(ctx context.Context, err error, context string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
// Per-event toggles from the config gate which events actually send.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:     topic,
		client:       &http.Client{Timeout: timeout},
		runCompleted: cfg.Notifications.RunCompleted,
		runFailed:    cfg.Notifications.RunFailed,
		review:       cfg.Notifications.Review,
		anomalies:    cfg.Notifications.Anomalies,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint     string
	client       *http.Client
	runCompleted bool
	runFailed    bool
	review       bool
	anomalies    bool
}

func (n *ntfyService) NotifyRunStarted(ctx context.Context, itemID, runType string) error {
	itemID = strings.TrimSpace(itemID)
	runType = strings.TrimSpace(runType)
	if runType == "" {
		runType = "initial"
	}
	data := payload{
		title:   "Magpie - Research Started",
		message: fmt.Sprintf("Started %s research for item %s", runType, itemID),
		tags:    []string{"magpie", "run", "started"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyRunCompleted(ctx context.Context, itemID string, completionScore float64) error {
	if !n.runCompleted {
		return nil
	}
	itemID = strings.TrimSpace(itemID)
	data := payload{
		title:   "Magpie - Research Complete",
		message: fmt.Sprintf("Research complete for item %s (completion %.0f%%)", itemID, completionScore*100),
		tags:    []string{"magpie", "run", "completed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyRunFailed(ctx context.Context, itemID, reason string) error {
	if !n.runFailed {
		return nil
	}
	itemID = strings.TrimSpace(itemID)
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown"
	}
	data := payload{
		title:    "Magpie - Research Failed",
		message:  fmt.Sprintf("Research failed for item %s: %s", itemID, reason),
		tags:     []string{"magpie", "run", "failed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyReviewNeeded(ctx context.Context, itemID, reason string) error {
	if !n.review {
		return nil
	}
	itemID = strings.TrimSpace(itemID)
	reason = strings.TrimSpace(reason)
	message := fmt.Sprintf("Item %s needs review", itemID)
	if reason != "" {
		message = fmt.Sprintf("%s: %s", message, reason)
	}
	data := payload{
		title:   "Magpie - Review Needed",
		message: message,
		tags:    []string{"magpie", "review"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyAnomaly(ctx context.Context, family, severity, message string) error {
	if !n.anomalies {
		return nil
	}
	family = strings.TrimSpace(family)
	priority := ""
	if severity == "critical" {
		priority = "high"
	}
	data := payload{
		title:    fmt.Sprintf("Magpie - Tool Anomaly (%s)", family),
		message:  strings.TrimSpace(message),
		tags:     []string{"magpie", "anomaly", severity},
		priority: priority,
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyError(ctx context.Context, err error, contextLabel string) error {
	var builder strings.Builder
	builder.WriteString("Error")
	if contextLabel = strings.TrimSpace(contextLabel); contextLabel != "" {
		builder.WriteString(" with ")
		builder.WriteString(contextLabel)
	}
	builder.WriteString(": ")
	if err != nil {
		builder.WriteString(strings.TrimSpace(err.Error()))
	} else {
		builder.WriteString("unknown")
	}

	data := payload{
		title:    "Magpie - Error",
		message:  builder.String(),
		tags:     []string{"magpie", "error", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "Magpie - Test",
		message:  "Notification system test",
		tags:     []string{"magpie", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyRunStarted(context.Context, string, string) error          { return nil }
func (noopService) NotifyRunCompleted(context.Context, string, float64) error       { return nil }
func (noopService) NotifyRunFailed(context.Context, string, string) error           { return nil }
func (noopService) NotifyReviewNeeded(context.Context, string, string) error        { return nil }
func (noopService) NotifyAnomaly(context.Context, string, string, string) error     { return nil }
func (noopService) NotifyError(context.Context, error, string) error                { return nil }
func (noopService) TestNotification(context.Context) error                          { return nil }
