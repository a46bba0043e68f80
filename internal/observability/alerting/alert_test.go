package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VaultOps/internal/config"
	xerrors "VaultOps/internal/errors"
)

func sampleEvent() Event {
	return Event{
		Code:       xerrors.CodeTransactionReverted,
		Message:    "execution reverted",
		Severity:   xerrors.SeverityCritical,
		JobID:      "job-1",
		Operation:  "rebase",
		Network:    "mainnet",
		Attempts:   1,
		MaxRetries: 3,
		Metadata:   map[string]string{"stage": "terminal", "cause": "execution reverted"},
		OccurredAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

type capture struct {
	mu       sync.Mutex
	payloads map[string]map[string]any
}

func (c *capture) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		c.mu.Lock()
		c.payloads[r.URL.Path] = payload
		c.mu.Unlock()
		if r.URL.Path == "/broken" {
			http.Error(w, "nope", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestFromConfigFansOutToWebhooks(t *testing.T) {
	c := &capture{payloads: make(map[string]map[string]any)}
	srv := httptest.NewServer(c.handler(t))
	defer srv.Close()

	dispatcher := FromConfig(config.AlertingConfig{
		SlackWebhook:    srv.URL + "/slack",
		DingTalkWebhook: srv.URL + "/dingtalk",
		EmailWebhook:    srv.URL + "/email",
		EmailTo:         "ops@example.com, oncall@example.com",
	})
	require.NotNil(t, dispatcher)
	assert.Equal(t, []Channel{ChannelDingTalk, ChannelEmail, ChannelSlack}, dispatcher.(*FanoutDispatcher).Channels())

	require.NoError(t, dispatcher.Notify(context.Background(), sampleEvent()))

	slack := c.payloads["/slack"]
	assert.Contains(t, slack["text"], "`rebase` on mainnet")
	assert.NotContains(t, slack, "channel")

	ding := c.payloads["/dingtalk"]
	assert.Equal(t, "text", ding["msgtype"])
	assert.Contains(t, ding["text"].(map[string]any)["content"], "作业: job-1")

	email := c.payloads["/email"]
	assert.Equal(t, "[vaultops] [critical] TRANSACTION_REVERTED rebase", email["subject"])
	assert.Equal(t, []any{"ops@example.com", "oncall@example.com"}, email["to"])
	assert.Contains(t, email["content"], "- cause: execution reverted\n- stage: terminal")
}

func TestFromConfigWithoutChannels(t *testing.T) {
	assert.Nil(t, FromConfig(config.AlertingConfig{}))
	assert.Nil(t, FromConfig(config.AlertingConfig{EmailWebhook: "http://mail"}), "email needs recipients")
}

func TestWebhookErrorStatus(t *testing.T) {
	c := &capture{payloads: make(map[string]map[string]any)}
	srv := httptest.NewServer(c.handler(t))
	defer srv.Close()

	err := SlackWebhook{NewWebhookClient(srv.URL + "/broken")}.Send(context.Background(), "#ops", "hi")
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeExecutorFailure))
	assert.Contains(t, err.Error(), "502")
	assert.Equal(t, "#ops", c.payloads["/broken"]["channel"])
}

type stubNotifier struct {
	channel Channel
	err     error
	got     []Event
}

func (s *stubNotifier) Channel() Channel { return s.channel }

func (s *stubNotifier) Notify(_ context.Context, event Event) error {
	s.got = append(s.got, event)
	return s.err
}

func TestFanoutJoinsErrorsAndStampsChannel(t *testing.T) {
	ok := &stubNotifier{channel: ChannelSlack}
	bad := &stubNotifier{channel: ChannelEmail, err: errors.New("smtp down")}
	d := NewFanout(ok, nil, bad)

	err := d.Notify(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel email: smtp down")
	require.Len(t, ok.got, 1)
	assert.Equal(t, ChannelSlack, ok.got[0].Channel)

	var nilFanout *FanoutDispatcher
	assert.NoError(t, nilFanout.Notify(context.Background(), sampleEvent()))
}

func TestUnconfiguredNotifiersSkip(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, (&EmailNotifier{}).Notify(ctx, sampleEvent()))
	assert.NoError(t, (&DingTalkNotifier{}).Notify(ctx, sampleEvent()))
	assert.NoError(t, (&SlackNotifier{}).Notify(ctx, sampleEvent()))
}
