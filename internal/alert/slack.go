package alert

import (
	"context"
	"fmt"
	"sort"
	"time"

	"dca_engine/internal/core"
	"dca_engine/pkg/httpclient"
)

// channelTimeout bounds one HTTP attempt against a chat API.
const channelTimeout = 5 * time.Second

var slackColors = map[core.AlertLevel]string{
	core.AlertInfo:     "#36a64f",
	core.AlertWarning:  "#ffcc00",
	core.AlertCritical: "#8b0000",
}

// SlackChannel posts alerts to an incoming-webhook URL as a single colored
// attachment. Delivery rides the shared resilient HTTP client, so transient
// webhook failures are retried before the manager sees an error.
type SlackChannel struct {
	client *httpclient.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	if webhookURL == "" {
		return &SlackChannel{}
	}
	return &SlackChannel{client: httpclient.NewClient(webhookURL, channelTimeout, nil)}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, alert Payload) error {
	if s.client == nil {
		return nil
	}
	_, err := s.client.Post(ctx, "", nil, slackAttachment(alert))
	if err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}

// slackAttachment renders the payload into Slack's attachment schema. Fields
// are emitted in key order so consecutive alerts line up in the channel.
func slackAttachment(alert Payload) map[string]interface{} {
	color, ok := slackColors[alert.Level]
	if !ok {
		color = slackColors[core.AlertInfo]
	}

	var fields []map[string]interface{}
	for _, key := range sortedFieldKeys(alert.Fields) {
		fields = append(fields, map[string]interface{}{
			"title": key,
			"value": alert.Fields[key],
			"short": true,
		})
	}

	return map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":   color,
				"pretext": fmt.Sprintf("[%s] %s", alert.Level, alert.Title),
				"text":    alert.Message,
				"fields":  fields,
				"ts":      alert.Timestamp.Unix(),
				"footer":  "DCA Engine",
			},
		},
	}
}

func sortedFieldKeys(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
