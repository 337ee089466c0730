package device

import (
	"fmt"
	"net"
	"runtime/debug"
	"strings"

	"github.com/aleka07/twinclient/pkg/model"
)

// Version is the client version, set at build time with -ldflags "-X ...device.Version=...".
var Version = "dev"

const mqttModule = "github.com/eclipse/paho.mqtt.golang"

// NetworkInterface is one entry of the reported network status.
type NetworkInterface struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
	Mac  string `json:"mac"`
}

// OnReady reports the versions and the network status. It runs once after the first
// successful authentication.
func (d *Device) OnReady() {
	if err := d.ReportVersions(); err != nil {
		d.log.WithError(err).Error("couldn't report versions")
	}
	if err := d.ReportNetworkStatus(); err != nil {
		d.log.WithError(err).Error("couldn't report network status")
	}
}

// ReportVersions queues the client and hub SDK versions as reported properties.
func (d *Device) ReportVersions() error {
	return d.out.ReportProperties(model.PropertyDocument{
		"module-version":    Version,
		"azure-sdk-version": sdkVersion(),
	})
}

// ReportNetworkStatus queues the interfaces whose names start with one of the filter prefixes.
func (d *Device) ReportNetworkStatus() error {
	all, err := d.interfaces()
	if err != nil {
		return fmt.Errorf("list network interfaces: %w", err)
	}
	reported := make([]NetworkInterface, 0, len(all))
	for _, iface := range all {
		if matchesPrefix(iface.Name, d.filter) {
			reported = append(reported, iface)
		}
	}
	d.log.WithField("interfaces", len(reported)).Debug("reporting network status")
	return d.out.ReportProperties(model.PropertyDocument{"NetworksInterfaces": reported})
}

func matchesPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func systemInterfaces() ([]NetworkInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]NetworkInterface, 0, len(ifaces))
	for _, iface := range ifaces {
		ni := NetworkInterface{Name: iface.Name, Addr: "none", Mac: "none"}
		if mac := iface.HardwareAddr.String(); mac != "" {
			ni.Mac = mac
		}
		if addrs, err := iface.Addrs(); err == nil {
			ni.Addr = firstIP(addrs)
		}
		out = append(out, ni)
	}
	return out, nil
}

// firstIP prefers an IPv4 address.
func firstIP(addrs []net.Addr) string {
	var fallback string
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
		if fallback == "" {
			fallback = ipnet.IP.String()
		}
	}
	if fallback == "" {
		return "none"
	}
	return fallback
}

func sdkVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	for _, dep := range info.Deps {
		if dep.Path == mqttModule {
			return "paho.mqtt.golang/" + dep.Version
		}
	}
	return "unknown"
}
