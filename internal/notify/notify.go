// Package notify formats and delivers job outcomes to configured alert
// channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"parsync/internal/config"
	"parsync/internal/execx"
	obs "parsync/internal/observability"
)

// Status classifies a notification.
type Status string

const (
	StatusGood    Status = "good"
	StatusInfo    Status = "info"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// Notification is one deliverable job outcome.
type Notification struct {
	Subject string   `json:"subject"`
	Job     string   `json:"job"`
	Status  Status   `json:"status"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

const (
	networkTimeout = 30 * time.Second
	webhookTries   = 3
	userAgent      = "parsync-notification/1.0"
	contentType    = "application/json"

	mailTool    = "mail"
	mailSubject = "-s"
)

// Dispatcher delivers notifications to every configured target. Webhook
// payloads carry details; mailbox bodies omit them.
type Dispatcher struct {
	targets []config.NotifyTarget
	client  *http.Client
	runner  execx.Runner
}

// New returns a dispatcher for the given targets. runner is used for
// mailbox delivery via the local mail tool.
func New(targets []config.NotifyTarget, runner execx.Runner) *Dispatcher {
	return &Dispatcher{
		targets: targets,
		client:  &http.Client{Timeout: networkTimeout},
		runner:  runner,
	}
}

// Send delivers n to all targets. Failures on one channel never block
// another; the last failure is returned.
func (d *Dispatcher) Send(ctx context.Context, n Notification) error {
	var lastErr error
	for _, t := range d.targets {
		var err error
		switch t.Type {
		case config.NotifyWebhook:
			err = d.sendWebhook(ctx, t.Target, n)
		case config.NotifyMailbox:
			err = d.sendMailbox(ctx, t.Target, n)
		}
		if err != nil {
			obs.Logger.Error().
				Err(err).
				Str("channel", t.Type).
				Str(obs.FieldTarget, n.Job).
				Msg("notification delivery failed")
			lastErr = err
		}
	}
	return lastErr
}

func (d *Dispatcher) sendWebhook(ctx context.Context, url string, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}

	op := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("User-Agent", userAgent)

		resp, err := d.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return struct{}{}, fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return struct{}{}, nil
	}

	_, err = backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(webhookTries))
	return err
}

func (d *Dispatcher) sendMailbox(ctx context.Context, addr string, n Notification) error {
	body := fmt.Sprintf("Job: %s\nStatus: %s\n\n%s\n", n.Job, n.Status, n.Message)
	res, err := d.runner.Run(ctx, execx.Spec{
		Name:    mailTool,
		Args:    []string{mailSubject, n.Subject, addr},
		Timeout: networkTimeout,
		Stdin:   body,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &execx.ToolError{Name: mailTool, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return nil
}
