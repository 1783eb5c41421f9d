package notify

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/types"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

const (
	zabbixTimeout = 5 * time.Second
	// zabbixMaxReply bounds the reply body read from the server.
	zabbixMaxReply = 64 * 1024
)

// zabbixHeader starts every trapper packet and is followed by a little
// endian uint64 body length.
var zabbixHeader = []byte("ZBXD\x01")

var (
	errZabbixFraming = errors.New("invalid zabbix packet")
	errZabbixIgnored = errors.New("zabbix processed no items (check host/key config)")
)

// ZabbixEventKind identifies what a trapper value reports.
type ZabbixEventKind string

// Trapper event kinds.
const (
	ZabbixNoise    ZabbixEventKind = "NOISE"
	ZabbixRecovery ZabbixEventKind = "RECOVERY"
	ZabbixTest     ZabbixEventKind = "TEST"
)

// ZabbixEvent is a noise alert state change sent as one trapper value.
type ZabbixEvent struct {
	Kind        ZabbixEventKind
	LevelDB     float64
	ThresholdDB float64
	DurationMs  int64
}

// Value renders the event as the "key=value" text stored in the item.
func (e ZabbixEvent) Value() string {
	if e.Kind == ZabbixTest {
		return "event=TEST source=zwfm-noisemeter"
	}
	return fmt.Sprintf("event=%s level=%.1f threshold=%.1f duration_ms=%d",
		e.Kind, e.LevelDB, e.ThresholdDB, e.DurationMs)
}

type zabbixItem struct {
	Host  string `json:"host"`
	Key   string `json:"key"`
	Value string `json:"value"`
	Clock int64  `json:"clock,omitempty"`
}

type zabbixRequest struct {
	Request string       `json:"request"`
	Data    []zabbixItem `json:"data"`
}

type zabbixReply struct {
	Response string `json:"response"`
	Info     string `json:"info"`
}

// zabbixResult holds the counters of a trapper reply, for example
// "processed: 1; failed: 0; total: 1; seconds spent: 0.000055".
type zabbixResult struct {
	Processed, Failed, Total int
}

func parseZabbixInfo(info string) zabbixResult {
	var r zabbixResult
	for field := range strings.SplitSeq(info, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(field), ":")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			continue
		}
		switch name {
		case "processed":
			r.Processed = n
		case "failed":
			r.Failed = n
		case "total":
			r.Total = n
		}
	}
	return r
}

// encodeZabbixPacket frames body for the trapper protocol.
func encodeZabbixPacket(body []byte) []byte {
	packet := make([]byte, 0, len(zabbixHeader)+8+len(body))
	packet = append(packet, zabbixHeader...)
	packet = binary.LittleEndian.AppendUint64(packet, uint64(len(body)))
	return append(packet, body...)
}

// readZabbixPacket reads one framed packet of at most limit body bytes.
func readZabbixPacket(r io.Reader, limit uint64) ([]byte, error) {
	header := make([]byte, len(zabbixHeader)+8)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, util.WrapError("read zabbix header", err)
	}
	if !bytes.Equal(header[:len(zabbixHeader)], zabbixHeader) {
		return nil, errZabbixFraming
	}
	size := binary.LittleEndian.Uint64(header[len(zabbixHeader):])
	if size == 0 || size > limit {
		return nil, fmt.Errorf("%w: body of %d bytes", errZabbixFraming, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, util.WrapError("read zabbix body", err)
	}
	return body, nil
}

// sendZabbix delivers event to the configured trapper item.
func sendZabbix(ctx context.Context, cfg types.ZabbixConfig, event ZabbixEvent) error {
	if !util.IsConfigured(cfg.Server, cfg.Host, cfg.Key) {
		return nil
	}

	body, err := json.Marshal(zabbixRequest{
		Request: "sender data",
		Data: []zabbixItem{{
			Host:  cfg.Host,
			Key:   cfg.Key,
			Value: event.Value(),
			Clock: time.Now().Unix(),
		}},
	})
	if err != nil {
		return util.WrapError("marshal zabbix request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, zabbixTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(cfg.Server, strconv.Itoa(cfg.Port)))
	if err != nil {
		return util.WrapError("connect to zabbix", err)
	}
	defer func() { _ = conn.Close() }()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(encodeZabbixPacket(body)); err != nil {
		return util.WrapError("send zabbix request", err)
	}
	raw, err := readZabbixPacket(conn, zabbixMaxReply)
	if err != nil {
		return err
	}

	var reply zabbixReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return util.WrapError("parse zabbix reply", err)
	}
	if reply.Response != "success" {
		return fmt.Errorf("zabbix rejected data: %s", reply.Info)
	}
	result := parseZabbixInfo(reply.Info)
	if result.Failed > 0 || result.Processed == 0 {
		return fmt.Errorf("%w: %s", errZabbixIgnored, reply.Info)
	}
	return nil
}

// SendNoiseZabbix reports the start of a noise episode.
func SendNoiseZabbix(ctx context.Context, cfg types.ZabbixConfig, level, threshold float64, durationMs int64) error {
	return sendZabbix(ctx, cfg, ZabbixEvent{Kind: ZabbixNoise, LevelDB: level, ThresholdDB: threshold, DurationMs: durationMs})
}

// SendRecoveryZabbix reports the end of a noise episode.
func SendRecoveryZabbix(ctx context.Context, cfg types.ZabbixConfig, level, threshold float64, durationMs int64) error {
	return sendZabbix(ctx, cfg, ZabbixEvent{Kind: ZabbixRecovery, LevelDB: level, ThresholdDB: threshold, DurationMs: durationMs})
}

// SendTestZabbix sends a test value to verify the Zabbix settings.
func SendTestZabbix(ctx context.Context, cfg types.ZabbixConfig) error {
	return sendZabbix(ctx, cfg, ZabbixEvent{Kind: ZabbixTest})
}
