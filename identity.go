package nodekit

import (
	"net"
	"strings"

	"github.com/pkg/errors"
)

const defaultNamespace = "homeautomation"

// DeviceIdentity is fixed for the lifetime of a single boot. Every
// topic name and every status report is derived from it.
type DeviceIdentity struct {
	ID              string
	Mac             string
	Class           *DeviceClass
	FirmwareVersion string
}

// Topics holds the full per-device topic set, built once at boot.
type Topics struct {
	Base    string
	Status  string
	State   string
	Online  string
	Command string
	Ota     string
}

func NewDeviceIdentity(class *DeviceClass, firmwareVersion string) (identity DeviceIdentity, err error) {
	mac, err := firstHardwareAddr()
	if err != nil {
		err = errors.Wrap(err, "failed to read hardware address")
		return
	}

	identity = IdentityFromMac(class, firmwareVersion, mac)
	return
}

// IdentityFromMac derives the stable device id the same way the fleet
// provisioning does: class name, underscore, lowercase mac with the
// colons stripped.
func IdentityFromMac(class *DeviceClass, firmwareVersion, mac string) DeviceIdentity {
	id := class.Name + "_" + strings.ToLower(strings.ReplaceAll(mac, ":", ""))

	return DeviceIdentity{
		ID:              id,
		Mac:             mac,
		Class:           class,
		FirmwareVersion: firmwareVersion,
	}
}

func (identity DeviceIdentity) Topics(namespace string) Topics {
	if len(namespace) == 0 {
		namespace = defaultNamespace
	}

	base := namespace + "/devices/" + identity.ID
	return Topics{
		Base:    base,
		Status:  base + "/status",
		State:   base + "/state",
		Online:  base + "/online",
		Command: base + "/command",
		Ota:     base + "/ota",
	}
}

func firstHardwareAddr() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String(), nil
	}

	return "", errors.New("no interface with hardware address found")
}

func localIpAddr() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			return ipNet.IP.String()
		}
	}

	return ""
}
