package discovery

import (
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
)

// cacheEntry is the on-disk record of the last pairing that
// successfully enumerated, so the next run can skip a fresh USB
// descriptor walk when nothing changed (SPEC_FULL.md §4.7).
type cacheEntry struct {
	SystemPath string `cbor:"system_path"`
	UserPath   string `cbor:"user_path"`
	VID        uint16 `cbor:"vid"`
	PID        uint16 `cbor:"pid"`
	LastSeen   int64  `cbor:"last_seen"`
}

const cacheFileName = "ports.cbor"

func cachePath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "v5ctl", cacheFileName), nil
}

func loadCache() (cacheEntry, bool) {
	path, err := cachePath()
	if err != nil {
		return cacheEntry{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cacheEntry{}, false
	}
	var entry cacheEntry
	if err := cbor.Unmarshal(data, &entry); err != nil {
		return cacheEntry{}, false
	}
	return entry, true
}

func saveCache(entry cacheEntry) error {
	path, err := cachePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := cbor.Marshal(entry)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// pathsExist reports whether the cache's recorded serial device nodes
// are still present. It does not reopen or re-probe them.
func (e cacheEntry) pathsExist() bool {
	if e.SystemPath == "" {
		return false
	}
	if _, err := os.Stat(e.SystemPath); err != nil {
		return false
	}
	if e.UserPath != "" {
		if _, err := os.Stat(e.UserPath); err != nil {
			return false
		}
	}
	return true
}

func (e cacheEntry) toCandidate() DeviceCandidate {
	sys := &PortInfo{Path: e.SystemPath, VID: e.VID, PID: e.PID, Kind: KindSystem}
	c := DeviceCandidate{SystemPort: sys}
	if e.UserPath != "" {
		c.UserPort = &PortInfo{Path: e.UserPath, VID: e.VID, PID: e.PID, Kind: KindUser}
	}
	return c
}

func entryFromCandidate(c DeviceCandidate, now int64) (cacheEntry, bool) {
	if c.SystemPort == nil {
		return cacheEntry{}, false
	}
	e := cacheEntry{SystemPath: c.SystemPort.Path, VID: c.SystemPort.VID, PID: c.SystemPort.PID, LastSeen: now}
	if c.UserPort != nil {
		e.UserPath = c.UserPort.Path
	}
	return e, true
}

// EnumerateCached tries the on-disk cache first: if it names paths
// that still exist, it is returned without a fresh enumeration. Any
// other outcome — no cache, stale paths, I/O error — falls back to a
// full Enumerate, which then overwrites the cache with whatever single
// candidate is eventually selected via RememberSelection.
func EnumerateCached(now int64) ([]DeviceCandidate, error) {
	if entry, ok := loadCache(); ok && entry.pathsExist() {
		return []DeviceCandidate{entry.toCandidate()}, nil
	}
	return Enumerate()
}

// RememberSelection persists the candidate the caller settled on, for
// EnumerateCached to offer next time. Failure to persist is not
// reported to the caller: the cache is a convenience, never load-
// bearing for correctness.
func RememberSelection(c DeviceCandidate, now int64) {
	if entry, ok := entryFromCandidate(c, now); ok {
		_ = saveCache(entry)
	}
}
