// Package discovery finds V5 serial endpoints on the host, classifies
// and pairs them (spec.md §4.6), and maintains a best-effort cache of
// the last-seen pairing so a repeat invocation of the same command
// against the same brain skips a fresh USB descriptor walk.
package discovery

import (
	"sort"
	"strconv"
	"strings"

	"go.bug.st/serial/enumerator"

	"github.com/v5serial/v5ctl/pkg/protocol"
)

// Kind classifies a single serial endpoint by its USB interface
// descriptor.
type Kind int

const (
	KindSystem Kind = iota
	KindUser
	KindController
)

// PortInfo is one classified serial endpoint.
type PortInfo struct {
	Path    string
	VID     uint16
	PID     uint16
	Product string
	Kind    Kind
}

// DeviceCandidate is a paired brain (System+User) or a solitary
// System/Controller endpoint, ready to open.
type DeviceCandidate struct {
	SystemPort     *PortInfo
	UserPort       *PortInfo
	ControllerPort *PortInfo
}

// Kind reports whether this candidate is a controller or a brain.
func (d DeviceCandidate) Kind() Kind {
	if d.ControllerPort != nil {
		return KindController
	}
	return KindSystem
}

// vexVendorIDs are the two USB vendor ids V5 hardware ships under
// (spec.md §4.6).
var vexVendorIDs = map[uint16]bool{0x2888: true, 0x0501: true}

func looksLikeV5(vid, pid uint16, product string) bool {
	if vexVendorIDs[vid] {
		return true
	}
	up := strings.ToUpper(product)
	return strings.Contains(up, "VEX") || strings.Contains(up, "V5")
}

// classify guesses System vs. User vs. Controller from the product
// string, since go.bug.st/serial does not expose the USB interface
// number directly. A V5 brain's system interface enumerates first and
// its product string does not mention "User"; the user interface's
// does. A lone port with "Controller" in its product string is a
// Controller endpoint.
func classify(product string) Kind {
	up := strings.ToUpper(product)
	switch {
	case strings.Contains(up, "CONTROLLER"):
		return KindController
	case strings.Contains(up, "USER"):
		return KindUser
	default:
		return KindSystem
	}
}

func parseHex16(s string) uint16 {
	n, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0
	}
	return uint16(n)
}

// Enumerate queries the OS for USB serial ports, keeps the ones that
// look like V5 hardware, classifies them, and pairs adjacent
// System/User endpoints into brain candidates. A solitary System or
// Controller endpoint is its own candidate (spec.md §4.6).
func Enumerate() ([]DeviceCandidate, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, &protocol.Error{Kind: protocol.KindIO, Err: err}
	}

	var ports []PortInfo
	for _, d := range details {
		if !d.IsUSB {
			continue
		}
		vid := parseHex16(d.VID)
		pid := parseHex16(d.PID)
		if !looksLikeV5(vid, pid, d.Product) {
			continue
		}
		ports = append(ports, PortInfo{
			Path: d.Name, VID: vid, PID: pid,
			Product: d.Product, Kind: classify(d.Product),
		})
	}

	sort.Slice(ports, func(i, j int) bool { return ports[i].Path < ports[j].Path })
	return pair(ports), nil
}

// pair walks the classified, path-sorted port list and groups adjacent
// System+User pairs into one candidate; any other port stands alone.
func pair(ports []PortInfo) []DeviceCandidate {
	var candidates []DeviceCandidate
	for i := 0; i < len(ports); i++ {
		p := ports[i]
		switch p.Kind {
		case KindController:
			pp := p
			candidates = append(candidates, DeviceCandidate{ControllerPort: &pp})
		case KindSystem:
			sp := p
			if i+1 < len(ports) && ports[i+1].Kind == KindUser {
				up := ports[i+1]
				candidates = append(candidates, DeviceCandidate{SystemPort: &sp, UserPort: &up})
				i++
			} else {
				candidates = append(candidates, DeviceCandidate{SystemPort: &sp})
			}
		case KindUser:
			// A User port with no preceding System port is still
			// usable on its own — some firmware only exposes one
			// interface over certain cables.
			up := p
			candidates = append(candidates, DeviceCandidate{SystemPort: &up})
		}
	}
	return candidates
}

// Select resolves candidates down to exactly one: zero is NoDevices,
// more than one is Ambiguous unless a non-empty want path matches.
func Select(candidates []DeviceCandidate, want string) (DeviceCandidate, error) {
	if len(candidates) == 0 {
		return DeviceCandidate{}, &protocol.Error{Kind: protocol.KindNoDevices}
	}
	if want != "" {
		for _, c := range candidates {
			if c.SystemPort != nil && c.SystemPort.Path == want {
				return c, nil
			}
			if c.ControllerPort != nil && c.ControllerPort.Path == want {
				return c, nil
			}
		}
		return DeviceCandidate{}, &protocol.Error{Kind: protocol.KindNoDevices}
	}
	if len(candidates) > 1 {
		return DeviceCandidate{}, &protocol.Error{Kind: protocol.KindAmbiguous}
	}
	return candidates[0], nil
}
