// Package manifest implements the thin, out-of-core adapters
// cargo_hook is built from (spec.md §1, §4.7): reading a project's
// TOML manifest, invoking objcopy, and persisting/writing the slot
// file and slot INI consumed by the device UI.
package manifest

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/ini.v1"
)

// ProjectManifest is the [package] table of a project's TOML
// manifest (SPEC_FULL.md §4.9).
type ProjectManifest struct {
	Package struct {
		Name        string `toml:"name"`
		Version     string `toml:"version"`
		Description string `toml:"description"`
	} `toml:"package"`
}

// ReadProject parses the TOML manifest at path. A missing
// description decodes to the empty string rather than an error.
func ReadProject(path string) (ProjectManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ProjectManifest{}, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	var m ProjectManifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return ProjectManifest{}, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	return m, nil
}

// ObjcopyToBinary shells out to arm-none-eabi-objcopy to produce a
// raw binary from an ELF. A path already ending in .bin is passed
// through unchanged, since some build pipelines hand cargo_hook an
// already-flattened artifact.
func ObjcopyToBinary(elfPath string) (string, error) {
	if strings.HasSuffix(elfPath, ".bin") {
		return elfPath, nil
	}
	binPath := elfPath + ".bin"
	cmd := exec.Command("arm-none-eabi-objcopy", "-O", "binary", elfPath, binPath)
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("manifest: objcopy %s: %w", elfPath, err)
	}
	return binPath, nil
}

const slotFileName = "slot"

// LoadSlot reads the zero-based slot index from dir's slot file,
// creating it as "0" if absent.
func LoadSlot(dir string) (int, error) {
	path := filepath.Join(dir, slotFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := SaveSlot(dir, 0); err != nil {
			return 0, err
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("manifest: read slot file: %w", err)
	}
	slot, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("manifest: slot file contains non-digit content: %w", err)
	}
	return slot, nil
}

// SaveSlot writes slot (0..7) as a single ASCII digit to dir's slot
// file.
func SaveSlot(dir string, slot int) error {
	if slot < 0 || slot > 7 {
		return fmt.Errorf("manifest: slot %d out of range [0,7]", slot)
	}
	path := filepath.Join(dir, slotFileName)
	return os.WriteFile(path, []byte(strconv.Itoa(slot)), 0o644)
}

// WriteSlotINI builds the slot INI consumed by the device UI (spec.md
// §6) and writes it to w.
func WriteSlotINI(w io.Writer, p ProjectManifest, slot int, ts time.Time) error {
	cfg := ini.Empty()
	sec, err := cfg.NewSection("program")
	if err != nil {
		return fmt.Errorf("manifest: build slot ini: %w", err)
	}
	sec.NewKey("name", p.Package.Name)
	sec.NewKey("version", p.Package.Version)
	sec.NewKey("description", p.Package.Description)
	sec.NewKey("slot", strconv.Itoa(slot))
	sec.NewKey("date", ts.UTC().Format(time.RFC3339))
	sec.NewKey("icon", "USER001x.bmp")

	if _, err := cfg.WriteTo(w); err != nil {
		return fmt.Errorf("manifest: write slot ini: %w", err)
	}
	return nil
}
