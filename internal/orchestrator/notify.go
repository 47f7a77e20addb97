package orchestrator

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"git.home.luguber.info/inful/coursebuilder/internal/course"
	"git.home.luguber.info/inful/coursebuilder/internal/logfields"
	"git.home.luguber.info/inful/coursebuilder/internal/queue"
	"git.home.luguber.info/inful/coursebuilder/internal/retry"
)

// Notifier calls a course's forwarding hook after a successful build so
// the consuming frontend can refresh its copy of the content. Failures
// are retried with backoff and then logged, never propagated; the build
// already succeeded.
type Notifier struct {
	client *http.Client
	policy retry.Policy
}

func NewNotifier() *Notifier {
	return &Notifier{
		client: &http.Client{Timeout: 30 * time.Second},
		policy: retry.DefaultPolicy(),
	}
}

func (o *Orchestrator) notify(ctx context.Context, c *course.Course, job queue.Job) {
	if job.Options.SkipNotify || !c.NotifyEnabled() || c.UpdateHook == "" {
		return
	}
	o.notifier.Notify(ctx, c, job.UpdateID)
}

// Notify POSTs the update hook. The body identifies the course by its
// remote id when one is configured, by key otherwise.
func (n *Notifier) Notify(ctx context.Context, c *course.Course, updateID string) {
	form := url.Values{}
	form.Set("course_key", c.Key)
	form.Set("update_id", updateID)
	if c.RemoteID != nil {
		form.Set("course_id", strconv.FormatInt(*c.RemoteID, 10))
	}
	body := form.Encode()

	for attempt := 0; ; attempt++ {
		err := n.post(ctx, c.UpdateHook, body)
		if err == nil {
			slog.Info("Update hook notified", logfields.Course(c.Key), logfields.URL(c.UpdateHook))
			return
		}
		if attempt >= n.policy.MaxRetries {
			slog.Warn("Update hook call failed, giving up",
				logfields.Course(c.Key), logfields.URL(c.UpdateHook), logfields.Error(err))
			return
		}
		delay := n.policy.Delay(attempt + 1)
		slog.Debug("Update hook call failed, retrying",
			logfields.Course(c.Key), slog.Duration("delay", delay), logfields.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (n *Notifier) post(ctx context.Context, hook, body string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &hookStatusError{status: resp.StatusCode}
	}
	return nil
}

type hookStatusError struct {
	status int
}

func (e *hookStatusError) Error() string {
	return "hook returned status " + strconv.Itoa(e.status)
}
