package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/johndauphine/mdcore/internal/config"
	"github.com/johndauphine/mdcore/internal/validation"
	"github.com/johndauphine/mdcore/internal/warehouse"
)

const footer = "mdcore"

// Notifier sends notifications to Slack
type Notifier struct {
	config     *config.SlackConfig
	httpClient *http.Client
}

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// New creates a new Slack notifier
func New(cfg *config.SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &config.SlackConfig{Enabled: false}
	}
	return &Notifier{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.config != nil && n.config.Enabled && n.config.WebhookURL != ""
}

// CircuitOpened sends notification when a source's circuit opens
func (n *Notifier) CircuitOpened(source string, failures int, lastErr error) error {
	if !n.IsEnabled() {
		return nil
	}
	return n.send(n.message(":rotating_light:", SlackAttachment{
		Color: "#dc3545", // red
		Title: "Circuit Opened",
		Fields: []SlackField{
			{Title: "Source", Value: source, Short: true},
			{Title: "Failures", Value: fmt.Sprintf("%d", failures), Short: true},
			{Title: "Last Error", Value: errText(lastErr), Short: false},
		},
	}))
}

// CircuitRecovered sends notification when a source's circuit closes again
func (n *Notifier) CircuitRecovered(source string) error {
	if !n.IsEnabled() {
		return nil
	}
	return n.send(n.message(":white_check_mark:", SlackAttachment{
		Color: "#36a64f", // green
		Title: "Circuit Recovered",
		Fields: []SlackField{
			{Title: "Source", Value: source, Short: true},
		},
	}))
}

// ValidationRejected sends notification when an artifact fails validation
func (n *Notifier) ValidationRejected(task string, res *validation.Result) error {
	if !n.IsEnabled() {
		return nil
	}

	var sample []string
	for i, d := range res.ErrorDetails {
		if i == 5 {
			sample = append(sample, fmt.Sprintf("... and %d more", len(res.ErrorDetails)-5))
			break
		}
		sample = append(sample, fmt.Sprintf("row %d %s: %s", d.RowIndex, d.Field, d.Message))
	}

	return n.send(n.message(":warning:", SlackAttachment{
		Color: "#ffc107", // yellow/orange
		Title: "Validation Rejected",
		Fields: []SlackField{
			{Title: "Task", Value: task, Short: true},
			{Title: "Schema", Value: res.Schema, Short: true},
			{Title: "Rows", Value: formatNumberWithCommas(res.TotalRows), Short: true},
			{Title: "Critical", Value: fmt.Sprintf("%s (%.1f%%)", formatNumberWithCommas(res.CriticalFailures), res.FailureRate()*100), Short: true},
			{Title: "Sample", Value: strings.Join(sample, "\n"), Short: false},
		},
	}))
}

// LoadFailed sends notification when a warehouse load fails
func (n *Notifier) LoadFailed(table string, err error) error {
	if !n.IsEnabled() {
		return nil
	}
	return n.send(n.message(":x:", SlackAttachment{
		Color: "#dc3545", // red
		Title: "Load Failed",
		Fields: []SlackField{
			{Title: "Table", Value: table, Short: true},
			{Title: "Error", Value: errText(err), Short: false},
		},
	}))
}

// LoadCompleted sends notification when a warehouse load succeeds
func (n *Notifier) LoadCompleted(m *warehouse.Manifest) error {
	if !n.IsEnabled() {
		return nil
	}
	text := fmt.Sprintf("Loaded %s rows into %s across %d partitions.",
		formatNumberWithCommas(m.RowsInserted), m.Table, len(m.PartitionKeysAffected))

	msg := n.message(":white_check_mark:", SlackAttachment{
		Color: "#36a64f", // green
		Fields: []SlackField{
			{Title: "Run ID", Value: m.RunID, Short: true},
			{Title: "Started", Value: m.StartedAt.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
			{Title: "Duration", Value: formatDuration(m.Duration), Short: true},
			{Title: "Deleted", Value: formatNumberWithCommas(m.RowsDeleted), Short: true},
			{Title: "Inserted", Value: formatNumberWithCommas(m.RowsInserted), Short: true},
		},
	})
	msg.Text = text
	return n.send(msg)
}

func (n *Notifier) message(icon string, a SlackAttachment) SlackMessage {
	a.Footer = footer
	a.Timestamp = time.Now().Unix()
	return SlackMessage{
		Channel:     n.config.Channel,
		Username:    n.getUsername(),
		IconEmoji:   icon,
		Attachments: []SlackAttachment{a},
	}
}

func (n *Notifier) send(msg SlackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	resp, err := n.httpClient.Post(n.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sending to Slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack returned status %d", resp.StatusCode)
	}

	return nil
}

func (n *Notifier) getUsername() string {
	if n.config.Username != "" {
		return n.config.Username
	}
	return "mdcore"
}

func errText(err error) string {
	if err == nil {
		return "Unknown error"
	}
	msg := err.Error()
	if len(msg) > 500 {
		msg = msg[:500] + "..."
	}
	return msg
}

func formatNumberWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	if n < 0 {
		return "-" + formatNumberWithCommas(-n)
	}
	if len(str) <= 3 {
		return str
	}

	var result []byte
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
