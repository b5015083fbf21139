package realtime

import (
	"context"
	"time"

	"github.com/golang/glog"
)

type HeartbeatSettings struct {
	Interval time.Duration
	// a client silent for longer than this gets a transport ping
	PingTimeout time.Duration
	// a client silent for longer than this is reaped
	LivenessTimeout time.Duration
	Now             NowFunction
}

func DefaultHeartbeatSettings() *HeartbeatSettings {
	interval := 30 * time.Second
	return &HeartbeatSettings{
		Interval:        interval,
		PingTimeout:     10 * time.Second,
		LivenessTimeout: 3 * interval,
		Now:             defaultNow,
	}
}

// Periodically pings stale clients and removes dead ones.
// Liveness is refreshed only by application `ping` messages. A transport pong does
// not count, so a client that only answers at the protocol level is eventually reaped.
type HeartbeatMonitor struct {
	ctx    context.Context
	cancel context.CancelFunc

	hub      *Hub
	settings *HeartbeatSettings
}

func NewHeartbeatMonitorWithDefaults(ctx context.Context, hub *Hub) *HeartbeatMonitor {
	return NewHeartbeatMonitor(ctx, hub, DefaultHeartbeatSettings())
}

func NewHeartbeatMonitor(ctx context.Context, hub *Hub, settings *HeartbeatSettings) *HeartbeatMonitor {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &HeartbeatMonitor{
		ctx:      cancelCtx,
		cancel:   cancel,
		hub:      hub,
		settings: settings,
	}
}

func (self *HeartbeatMonitor) Run() {
	defer self.cancel()

	ticker := time.NewTicker(self.settings.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.hub.Done():
			return
		case <-ticker.C:
			HandleError(func() {
				self.Check()
			})
		}
	}
}

// one sweep over the registry
func (self *HeartbeatMonitor) Check() (pingCount int, reapCount int) {
	now := self.settings.Now()
	for _, client := range self.hub.Clients() {
		if !client.transport.IsOpen() {
			glog.Infof("[hb]reap closed %s\n", client.ClientId)
			if self.hub.Disconnect(client.ClientId) {
				reapCount += 1
			}
			continue
		}

		elapsed := now.Sub(client.LastLiveness())
		if self.settings.LivenessTimeout < elapsed {
			glog.Infof("[hb]reap silent %s (%s)\n", client.ClientId, elapsed)
			if self.hub.Disconnect(client.ClientId) {
				reapCount += 1
			}
		} else if self.settings.PingTimeout < elapsed {
			pingCount += 1
			if err := client.transport.Ping(); err != nil {
				glog.Infof("[hb]ping %s error = %s\n", client.ClientId, err)
				if self.hub.Disconnect(client.ClientId) {
					reapCount += 1
				}
			}
		}
	}
	if 0 < pingCount || 0 < reapCount {
		glog.V(1).Infof("[hb]pinged=%d reaped=%d\n", pingCount, reapCount)
	}
	return
}

func (self *HeartbeatMonitor) Close() {
	self.cancel()
}
