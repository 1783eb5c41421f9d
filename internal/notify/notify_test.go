package notify

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-noisemeter/internal/audio"
	"github.com/oszuidwest/zwfm-noisemeter/internal/types"
)

// webhookRecorder collects webhook payloads.
type webhookRecorder struct {
	mu       sync.Mutex
	payloads []WebhookPayload
}

func (r *webhookRecorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var p WebhookPayload
		if err := json.NewDecoder(req.Body).Decode(&p); err != nil {
			t.Errorf("decode webhook: %v", err)
		}
		r.mu.Lock()
		r.payloads = append(r.payloads, p)
		r.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (r *webhookRecorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.payloads))
	for _, p := range r.payloads {
		out = append(out, p.Event)
	}
	return out
}

func TestNoiseNotifierEpisode(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	logPath := filepath.Join(t.TempDir(), "alerts.jsonl")
	n := NewNoiseNotifier(Settings{
		StationName: "Studio 1",
		ThresholdDB: -20,
		WebhookURL:  srv.URL,
		LogPath:     logPath,
	})
	defer n.Close()

	n.HandleEvent(audio.AlertEvent{JustEntered: true, InAlert: true, LevelDB: -12.3, DurationMs: 60000})
	n.Wait()
	// A second confirmation within the same episode is not re-sent.
	n.HandleEvent(audio.AlertEvent{JustEntered: true, InAlert: true, LevelDB: -11})
	n.Wait()
	n.HandleEvent(audio.AlertEvent{JustRecovered: true, LevelDB: -35, TotalDurationMs: 90000})
	n.Wait()

	assert.Equal(t, []string{"noise_detected", "noise_recovered"}, rec.events())
	rec.mu.Lock()
	assert.Equal(t, "Studio 1", rec.payloads[0].Device)
	assert.InDelta(t, -12.3, rec.payloads[0].LevelDB, 1e-9)
	assert.Equal(t, int64(90000), rec.payloads[1].DurationMs)
	rec.mu.Unlock()

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	var entry LogEntry
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &entry))
	assert.Equal(t, "noise_end", entry.Event)
	assert.Equal(t, int64(90000), entry.DurationMs)
}

func TestNoiseNotifierRecoveryOnlyAfterAlert(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	n := NewNoiseNotifier(Settings{WebhookURL: srv.URL})
	defer n.Close()

	n.HandleEvent(audio.AlertEvent{JustRecovered: true, LevelDB: -40})
	n.Wait()
	assert.Empty(t, rec.events())

	n.HandleEvent(audio.AlertEvent{JustEntered: true, LevelDB: -10})
	n.Wait()
	n.Reset()
	n.HandleEvent(audio.AlertEvent{JustRecovered: true, LevelDB: -40})
	n.Wait()
	assert.Equal(t, []string{"noise_detected"}, rec.events())
}

func TestSendWebhookStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := SendNoiseWebhook(srv.URL, "meter", -10, -20, 1000)
	assert.ErrorContains(t, err, "status 500")

	assert.NoError(t, SendNoiseWebhook("", "meter", -10, -20, 1000), "unconfigured webhook is skipped")
	assert.Error(t, SendTestWebhook("", "meter"))
}

// fakeZabbix accepts one trapper request and answers with reply.
func fakeZabbix(t *testing.T, reply string) (host string, port int, received <-chan zabbixRequest) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	ch := make(chan zabbixRequest, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		body, err := readZabbixPacket(conn, zabbixMaxReply)
		if err != nil {
			return
		}
		var req zabbixRequest
		_ = json.Unmarshal(body, &req)
		ch <- req

		_, _ = conn.Write(encodeZabbixPacket([]byte(reply)))
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, ch
}

func TestSendNoiseZabbix(t *testing.T) {
	server, port, received := fakeZabbix(t, `{"response":"success","info":"processed: 1; failed: 0; total: 1; seconds spent: 0.000055"}`)

	cfg := types.ZabbixConfig{Server: server, Port: port, Host: "studio", Key: "noise.alert"}
	require.NoError(t, SendNoiseZabbix(context.Background(), cfg, -12.34, -20, 5000))

	req := <-received
	assert.Equal(t, "sender data", req.Request)
	require.Len(t, req.Data, 1)
	assert.Equal(t, "studio", req.Data[0].Host)
	assert.Equal(t, "noise.alert", req.Data[0].Key)
	assert.Equal(t, "event=NOISE level=-12.3 threshold=-20.0 duration_ms=5000", req.Data[0].Value)
	assert.Positive(t, req.Data[0].Clock)
}

func TestSendZabbixRejected(t *testing.T) {
	server, port, _ := fakeZabbix(t, `{"response":"success","info":"processed: 0; failed: 0; total: 1; seconds spent: 0.000055"}`)

	cfg := types.ZabbixConfig{Server: server, Port: port, Host: "studio", Key: "noise.alert"}
	assert.ErrorIs(t, SendTestZabbix(context.Background(), cfg), errZabbixIgnored)
}

func TestSendZabbixFailedItems(t *testing.T) {
	server, port, _ := fakeZabbix(t, `{"response":"success","info":"processed: 0; failed: 1; total: 1; seconds spent: 0.000031"}`)

	cfg := types.ZabbixConfig{Server: server, Port: port, Host: "studio", Key: "noise.alert"}
	err := SendRecoveryZabbix(context.Background(), cfg, -40, -20, 90000)
	assert.ErrorIs(t, err, errZabbixIgnored)
	assert.ErrorContains(t, err, "failed: 1")
}

func TestSendZabbixUnconfigured(t *testing.T) {
	assert.NoError(t, SendTestZabbix(context.Background(), types.ZabbixConfig{Server: "127.0.0.1", Port: 1}))
}

func TestZabbixEventValue(t *testing.T) {
	tests := []struct {
		event ZabbixEvent
		want  string
	}{
		{ZabbixEvent{Kind: ZabbixNoise, LevelDB: -12.34, ThresholdDB: -20, DurationMs: 60000}, "event=NOISE level=-12.3 threshold=-20.0 duration_ms=60000"},
		{ZabbixEvent{Kind: ZabbixRecovery, LevelDB: -41.06, ThresholdDB: -20, DurationMs: 90000}, "event=RECOVERY level=-41.1 threshold=-20.0 duration_ms=90000"},
		{ZabbixEvent{Kind: ZabbixTest}, "event=TEST source=zwfm-noisemeter"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.event.Value())
	}
}

func TestParseZabbixInfo(t *testing.T) {
	got := parseZabbixInfo("processed: 2; failed: 1; total: 3; seconds spent: 0.000055")
	assert.Equal(t, zabbixResult{Processed: 2, Failed: 1, Total: 3}, got)
	assert.Equal(t, zabbixResult{}, parseZabbixInfo("garbage"))
}

func TestZabbixPacketRoundTrip(t *testing.T) {
	packet := encodeZabbixPacket([]byte(`{"response":"success"}`))
	assert.Equal(t, []byte("ZBXD\x01"), packet[:5])

	body, err := readZabbixPacket(strings.NewReader(string(packet)), zabbixMaxReply)
	require.NoError(t, err)
	assert.JSONEq(t, `{"response":"success"}`, string(body))

	_, err = readZabbixPacket(strings.NewReader(string(packet)), 4)
	assert.ErrorIs(t, err, errZabbixFraming)
	_, err = readZabbixPacket(strings.NewReader("HTTP/1.1 400 Bad Request\r\n"), zabbixMaxReply)
	assert.ErrorIs(t, err, errZabbixFraming)
}

func TestGraphSendMail(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/alerts@example.com/sendMail", r.URL.Path)
		var req graphMailRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "subject", req.Message.Subject)
		assert.Len(t, req.Message.ToRecipients, 2)

		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := newGraphClient("alerts@example.com", srv.URL, srv.Client())
	err := client.SendMail(context.Background(), []string{"a@example.com", " ", "b@example.com"}, "subject", "body")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "transient error is retried")
}

func TestGraphSendMailPermanentError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := newGraphClient("alerts@example.com", srv.URL, srv.Client())
	err := client.SendMail(context.Background(), []string{"a@example.com"}, "s", "b")
	assert.ErrorContains(t, err, "graph API error 400")

	assert.Error(t, client.SendMail(context.Background(), nil, "s", "b"))
}

func TestGraphConfigValidation(t *testing.T) {
	valid := types.GraphConfig{
		TenantID:     "12345678-1234-1234-1234-123456789abc",
		ClientID:     "12345678-1234-1234-1234-123456789abc",
		ClientSecret: "secret",
		FromAddress:  "alerts@example.com",
		Recipients:   "a@example.com, b@example.com",
	}
	assert.NoError(t, ValidateConfig(&valid))
	assert.True(t, IsConfigured(&valid))

	invalid := valid
	invalid.TenantID = "not-a-guid"
	assert.Error(t, ValidateConfig(&invalid))

	invalid = valid
	invalid.Recipients = ""
	assert.Error(t, ValidateConfig(&invalid))
	assert.False(t, IsConfigured(&invalid))

	assert.Equal(t, []string{"a@example.com", "b@example.com"}, ParseRecipients(valid.Recipients))
	assert.Empty(t, ParseRecipients(" , "))
}

func TestWriteTestLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	require.NoError(t, WriteTestLog(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"event":"test"`)

	assert.Error(t, WriteTestLog(""))
}
