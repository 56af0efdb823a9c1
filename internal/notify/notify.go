// Package notify posts event-bus notifications to a Slack incoming
// webhook, adapted directly from the teacher's slack.go (same
// karlmutch/slack-go-webhook attachment shape and colornames palette),
// subscribing to kernel_panic, suite_completed and suite_timeout instead of StudioML's
// own experiment lifecycle.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/color"
	"net/http"
	"os"
	"time"

	slack "github.com/karlmutch/slack-go-webhook"
	"golang.org/x/image/colornames"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/linux-test-project/runltp-ng-sub000/internal/bus"
)

// Slack posts attachments to a single incoming webhook URL.
type Slack struct {
	hookURL string
	room    string
	footer  string
	client  *http.Client
}

// NewSlack builds a Slack notifier; room may be empty to use the
// webhook's own default channel.
func NewSlack(hookURL, room string) *Slack {
	footer, _ := os.Hostname()
	return &Slack{hookURL: hookURL, room: room, footer: footer, client: &http.Client{}}
}

// Subscribe registers handlers that post kernel_panic, suite_completed
// and suite_timeout events to this webhook. Purely additive: the core
// never depends on notify, and a failed post is only logged via the
// returned error being redirected to internal_error by the bus.
func (s *Slack) Subscribe(b *bus.Bus) {
	b.Register(bus.KernelPanic, func(args ...interface{}) error {
		test, _ := firstString(args)
		return s.post(colornames.Red, "kernel panic", "test: "+test)
	})
	b.Register(bus.SuiteCompleted, func(args ...interface{}) error {
		suite, _ := firstString(args)
		return s.post(colornames.Forestgreen, "suite completed", "suite: "+suite)
	})
	b.Register(bus.SuiteTimeout, func(args ...interface{}) error {
		suite, _ := firstString(args)
		return s.post(colornames.Goldenrod, "suite timed out", "suite: "+suite)
	})
}

func firstString(args []interface{}) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	s, ok := args[0].(string)
	return s, ok
}

func (s *Slack) post(c color.RGBA, msg, detail string) (err kv.Error) {
	if s.hookURL == "" {
		return nil
	}

	webColor := fmt.Sprintf("#%02X%02X%02X", c.R, c.G, c.B)
	now := time.Now().Unix()

	attachment := slack.Attachment{
		Color:     &webColor,
		Fallback:  &msg,
		Text:      &msg,
		Timestamp: &now,
		Footer:    &s.footer,
	}
	payload := slack.Message{Channel: s.room, Attachments: []slack.Attachment{attachment}}
	if detail != "" {
		payload.Attachments = append(payload.Attachments, slack.Attachment{Text: &detail})
	}

	body, errGo := json.Marshal(payload)
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	req, errGo := http.NewRequest(http.MethodPost, s.hookURL, bytes.NewBuffer(body))
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, errGo := s.client.Do(req)
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	defer resp.Body.Close()
	return nil
}
