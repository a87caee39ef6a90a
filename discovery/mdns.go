// Package discovery finds LAN peers via mDNS, grounded on the teacher's
// agent/main.go startDiscovery — extended so discovered peers are actually
// dialed for operation exchange instead of only being logged.
package discovery

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"
)

// Advertiser registers this peer's websocket endpoint on the LAN.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers serviceName on port, tagging the instance with host
// and peerID, mirroring the teacher's zeroconf.Register call.
func Advertise(serviceName, peerID string, port int) (*Advertiser, error) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("treecrdt-%s-%s", host, peerID),
		serviceName,
		"local.",
		port,
		[]string{"peer=" + peerID},
		nil,
	)
	if err != nil {
		return nil, err
	}
	return &Advertiser{server: server}, nil
}

// Shutdown unregisters the mDNS service.
func (a *Advertiser) Shutdown() { a.server.Shutdown() }

// Browse watches serviceName on the LAN for the given duration, calling
// onPeer with a dialable websocket URL for each discovered entry that
// isn't this peer's own advertisement.
func Browse(ctx context.Context, serviceName, selfPeerID string, timeout time.Duration, onPeer func(wsURL string)) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}

	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			if isSelf(entry, selfPeerID) {
				continue
			}
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			url := fmt.Sprintf("ws://%s:%d/ws", entry.AddrIPv4[0], entry.Port)
			glog.Infof("[discovery] found peer %s at %s", entry.Instance, url)
			onPeer(url)
		}
	}()

	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := resolver.Browse(browseCtx, serviceName, "local.", entries); err != nil {
		return err
	}
	<-browseCtx.Done()
	return nil
}

func isSelf(entry *zeroconf.ServiceEntry, selfPeerID string) bool {
	for _, txt := range entry.Text {
		if txt == "peer="+selfPeerID {
			return true
		}
	}
	return false
}
