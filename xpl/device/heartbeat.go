package device

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"xpl-sdk/xpl"
	"xpl-sdk/xpl/transport"
)

// heartbeat の送信間隔
const (
	rapidHeartbeatInterval = 3 * time.Second
	rapidHeartbeatTimeout  = 120 * time.Second
	slowHeartbeatInterval  = 30 * time.Second
	configHeartbeatPeriod  = 60 * time.Second

	rapidHeartbeatCount = int(rapidHeartbeatTimeout / rapidHeartbeatInterval)

	MinIntervalMinutes = 5
	MaxIntervalMinutes = 30
)

// ClampInterval は heartbeat 間隔 (分) を 5..30 に収めます
func ClampInterval(minutes int) int {
	if minutes < MinIntervalMinutes {
		return MinIntervalMinutes
	}
	if minutes > MaxIntervalMinutes {
		return MaxIntervalMinutes
	}
	return minutes
}

func parseInterval(value string, fallback int) int {
	minutes, err := strconv.Atoi(xpl.Trim(value))
	if err != nil {
		slog.Warn("interval の値が不正なため無視します", "value", value)
		return fallback
	}
	return ClampInterval(minutes)
}

// scheduleNextLocked は現在の状態から次の heartbeat の時刻を決めます。
// ハブ待ちの間は最初の rapidHeartbeatCount 回を3秒間隔、その後30秒間隔で送ります。
func (d *Device) scheduleNextLocked(now time.Time) {
	switch {
	case d.waitingForHub:
		if d.rapidRemaining > 0 {
			d.rapidRemaining--
			d.nextHeartbeat = now.Add(rapidHeartbeatInterval)
		} else {
			d.nextHeartbeat = now.Add(slowHeartbeatInterval)
		}
	case d.configRequired:
		d.nextHeartbeat = now.Add(configHeartbeatPeriod)
	default:
		d.nextHeartbeat = now.Add(time.Duration(d.intervalMinutes) * time.Minute)
	}
}

func (d *Device) heartbeatLocked() transport.Heartbeat {
	return transport.Heartbeat{
		Source:          d.completeID,
		IntervalMinutes: d.intervalMinutes,
		Version:         d.version,
		ConfigMode:      d.configRequired,
	}
}

// interrupt は heartbeat ループを起こします
func (d *Device) interrupt() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// heartbeatLoop は次の heartbeat 時刻まで待ち、時刻になったら送信します
func (d *Device) heartbeatLoop(ctx context.Context) {
	defer d.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		hb, due, wait := d.pollHeartbeat()
		if due {
			d.sendHeartbeat(hb)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		var timerC <-chan time.Time
		if wait > 0 {
			timer.Reset(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-timerC:
		}
	}
}

// pollHeartbeat は送信時刻になっていれば heartbeat を返して次の時刻を設定します。
// 一時停止中は wait=0 (無期限に待つ) を返します。
func (d *Device) pollHeartbeat() (hb transport.Heartbeat, due bool, wait time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.paused || !d.initialized {
		return hb, false, 0
	}
	now := d.now()
	if now.Before(d.nextHeartbeat) {
		return hb, false, d.nextHeartbeat.Sub(now)
	}
	hb = d.heartbeatLocked()
	d.scheduleNextLocked(now)
	return hb, true, 0
}

// SendHeartbeatNow はすぐに heartbeat を送信し、次の時刻を設定し直します。
// 一時停止中は送信せず xpl.ErrPaused を返します。
func (d *Device) SendHeartbeatNow() error {
	d.mu.Lock()
	if d.paused {
		d.mu.Unlock()
		return xpl.ErrPaused
	}
	hb := d.heartbeatLocked()
	d.scheduleNextLocked(d.now())
	d.mu.Unlock()
	d.interrupt()
	return d.sendHeartbeat(hb)
}

func (d *Device) sendHeartbeat(hb transport.Heartbeat) error {
	msg, err := d.transport.HeartbeatMessage(hb)
	if err != nil {
		slog.Error("heartbeat の作成に失敗", "err", err)
		return err
	}
	if err := d.transmit(msg); err != nil {
		slog.Warn("heartbeat の送信に失敗", "schema", msg.Schema(), "err", err)
		return err
	}
	slog.Debug("heartbeat を送信しました", "schema", msg.Schema(), "source", hb.Source)
	return nil
}

// NextHeartbeat は次の heartbeat の予定時刻を返します
func (d *Device) NextHeartbeat() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextHeartbeat
}
