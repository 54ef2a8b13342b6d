// Package notify delivers templated notifications such as archive and
// rejection mails. Delivery is best-effort: callers log failures and go on.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pidflow/internal/config"
	"pidflow/internal/logging"
)

// Templates used by the workflow engine.
const (
	TemplateArchive    = "submit_archive"
	TemplateReject     = "submit_reject"
	TemplateNoReviewer = "flowtask_noEPersons"
)

type Message struct {
	Template  string   `json:"template"`
	Recipient string   `json:"recipient"`
	Args      []string `json:"args"`
}

type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// LogNotifier writes notifications to the log instead of sending them.
type LogNotifier struct {
	Log logrus.FieldLogger
}

func (n LogNotifier) Send(_ context.Context, msg Message) error {
	log := n.Log
	if log == nil {
		log = logging.Discard()
	}
	log.WithFields(logrus.Fields{
		"template":  msg.Template,
		"recipient": msg.Recipient,
		"args":      msg.Args,
	}).Info("notification")
	return nil
}

// WebhookNotifier posts each message as JSON to a mail relay.
type WebhookNotifier struct {
	URL    string
	Secret string
	Client *http.Client
}

const defaultTimeout = 5 * time.Second

func (n WebhookNotifier) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pidflow-Delivery", uuid.NewString())
	if strings.TrimSpace(n.Secret) != "" {
		req.Header.Set("X-Pidflow-Secret", n.Secret)
	}
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("mail relay status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// FromConfig picks the notifier for the configured driver.
func FromConfig(cfg config.NotifyConfig, log logrus.FieldLogger) Notifier {
	if cfg.Driver == "webhook" {
		timeout := defaultTimeout
		if cfg.TimeoutSeconds > 0 {
			timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
		}
		return WebhookNotifier{URL: cfg.URL, Secret: cfg.Secret, Client: &http.Client{Timeout: timeout}}
	}
	return LogNotifier{Log: log}
}
