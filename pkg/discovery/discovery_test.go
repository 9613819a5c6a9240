package discovery

import "testing"

func TestPairAdjacentSystemUser(t *testing.T) {
	ports := []PortInfo{
		{Path: "/dev/ttyACM0", Kind: KindSystem},
		{Path: "/dev/ttyACM1", Kind: KindUser},
	}
	got := pair(ports)
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	if got[0].SystemPort == nil || got[0].UserPort == nil {
		t.Fatalf("expected paired System+User, got %+v", got[0])
	}
	if got[0].SystemPort.Path != "/dev/ttyACM0" || got[0].UserPort.Path != "/dev/ttyACM1" {
		t.Fatalf("unexpected pairing: %+v", got[0])
	}
}

func TestPairSolitarySystem(t *testing.T) {
	ports := []PortInfo{{Path: "/dev/ttyACM0", Kind: KindSystem}}
	got := pair(ports)
	if len(got) != 1 || got[0].UserPort != nil {
		t.Fatalf("expected solitary System candidate, got %+v", got)
	}
}

func TestPairSolitaryController(t *testing.T) {
	ports := []PortInfo{{Path: "/dev/ttyACM0", Kind: KindController}}
	got := pair(ports)
	if len(got) != 1 || got[0].ControllerPort == nil {
		t.Fatalf("expected solitary Controller candidate, got %+v", got)
	}
}

func TestPairTwoBrainsNotCrossPaired(t *testing.T) {
	ports := []PortInfo{
		{Path: "/dev/ttyACM0", Kind: KindSystem},
		{Path: "/dev/ttyACM1", Kind: KindUser},
		{Path: "/dev/ttyACM2", Kind: KindSystem},
		{Path: "/dev/ttyACM3", Kind: KindUser},
	}
	got := pair(ports)
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].UserPort.Path != "/dev/ttyACM1" || got[1].UserPort.Path != "/dev/ttyACM3" {
		t.Fatalf("unexpected pairing: %+v", got)
	}
}

func TestLooksLikeV5ByVendorID(t *testing.T) {
	if !looksLikeV5(0x2888, 0x0000, "") {
		t.Fatalf("expected vendor 0x2888 to match")
	}
	if !looksLikeV5(0x0501, 0x0000, "") {
		t.Fatalf("expected vendor 0x0501 to match")
	}
	if looksLikeV5(0x1234, 0x5678, "Generic Serial") {
		t.Fatalf("expected unrelated vendor/product not to match")
	}
}

func TestLooksLikeV5ByProductString(t *testing.T) {
	if !looksLikeV5(0x1234, 0, "VEX Robotics V5 Brain") {
		t.Fatalf("expected product string match")
	}
}

func TestSelectNoDevices(t *testing.T) {
	_, err := Select(nil, "")
	if err == nil {
		t.Fatalf("expected NoDevices error")
	}
}

func TestSelectAmbiguousWithoutWant(t *testing.T) {
	candidates := []DeviceCandidate{
		{SystemPort: &PortInfo{Path: "/dev/ttyACM0"}},
		{SystemPort: &PortInfo{Path: "/dev/ttyACM2"}},
	}
	_, err := Select(candidates, "")
	if err == nil {
		t.Fatalf("expected Ambiguous error")
	}
}

func TestSelectByWantPath(t *testing.T) {
	candidates := []DeviceCandidate{
		{SystemPort: &PortInfo{Path: "/dev/ttyACM0"}},
		{SystemPort: &PortInfo{Path: "/dev/ttyACM2"}},
	}
	got, err := Select(candidates, "/dev/ttyACM2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.SystemPort.Path != "/dev/ttyACM2" {
		t.Fatalf("selected wrong candidate: %+v", got)
	}
}

func TestCacheRoundTrip(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	c := DeviceCandidate{
		SystemPort: &PortInfo{Path: "/dev/ttyACM0", VID: 0x2888, PID: 0x0501},
		UserPort:   &PortInfo{Path: "/dev/ttyACM1", VID: 0x2888, PID: 0x0501},
	}
	RememberSelection(c, 1000)

	entry, ok := loadCache()
	if !ok {
		t.Fatalf("expected cache entry to load")
	}
	if entry.SystemPath != "/dev/ttyACM0" || entry.UserPath != "/dev/ttyACM1" {
		t.Fatalf("unexpected cache entry: %+v", entry)
	}
}

func TestCacheMissingPathIsNotUsable(t *testing.T) {
	entry := cacheEntry{SystemPath: "/dev/nonexistent-v5ctl-test", UserPath: ""}
	if entry.pathsExist() {
		t.Fatalf("expected missing path to report not usable")
	}
}
