package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"

	"sosmesh/relay-node/internal/radio"
)

const (
	mdnsServiceType = "_sosmesh._tcp"
	mdnsDomain      = "local."
	mdnsMaxLabel    = 63
)

// startMDNS advertises the embedded broker so the radio driver can find it on
// the local link without configuration.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "sos-relay"
	}

	instance := mdnsInstanceName(a.cfg.MDNSInstance, a.nodeID)
	txt := []string{
		fmt.Sprintf("node_id=%08x", a.nodeID),
		fmt.Sprintf("mqtt_port=%d", port),
		fmt.Sprintf("http_port=%d", a.cfg.HTTPPort),
		"rx=" + radio.TopicRxPrefix + "+",
		"tx=" + radio.TopicTx,
		"proto=1",
		"host=" + mdnsHostLabel(hostname) + ".local",
	}

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", port)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

// mdnsInstanceName builds a DNS-SD instance label that is unique per node.
func mdnsInstanceName(base string, nodeID uint32) string {
	cleaned := strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(strings.TrimSpace(base))
	if cleaned == "" {
		cleaned = "sos-mesh-relay"
	}
	name := fmt.Sprintf("%s %08x", cleaned, nodeID)
	if runes := []rune(name); len(runes) > mdnsMaxLabel {
		name = string(runes[:mdnsMaxLabel])
	}
	return name
}

func mdnsHostLabel(name string) string {
	cleaned := strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "", ".", "-").Replace(strings.ToLower(strings.TrimSpace(name)))
	if cleaned == "" {
		cleaned = "sos-relay"
	}
	if runes := []rune(cleaned); len(runes) > mdnsMaxLabel {
		cleaned = string(runes[:mdnsMaxLabel])
	}
	return cleaned
}
