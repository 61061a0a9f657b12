package systemd

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func setUnitPaths(t *testing.T) (unitPath, hashPath string) {
	t.Helper()
	dir := t.TempDir()
	unitPath = filepath.Join(dir, "gavel.service")
	hashPath = filepath.Join(dir, "unit-file.sha256")

	oldPaths := UnitFilePaths
	oldHash := UnitHashPath
	UnitFilePaths = []string{unitPath}
	UnitHashPath = hashPath
	t.Cleanup(func() {
		UnitFilePaths = oldPaths
		UnitHashPath = oldHash
	})
	return unitPath, hashPath
}

func TestCheckUnitFileIntegrityNoUnitFile(t *testing.T) {
	setUnitPaths(t)
	if warn := CheckUnitFileIntegrity(); warn != "" {
		t.Fatalf("expected no warning without unit file, got %q", warn)
	}
}

func TestCheckUnitFileIntegrityNoStoredHash(t *testing.T) {
	unitPath, _ := setUnitPaths(t)
	if err := os.WriteFile(unitPath, []byte(UnitTemplate()), 0644); err != nil {
		t.Fatal(err)
	}
	if warn := CheckUnitFileIntegrity(); warn != "" {
		t.Fatalf("expected no warning without stored hash, got %q", warn)
	}
}

func TestCheckUnitFileIntegrityMatch(t *testing.T) {
	unitPath, _ := setUnitPaths(t)
	if err := os.WriteFile(unitPath, []byte(UnitTemplate()), 0644); err != nil {
		t.Fatal(err)
	}
	if err := RecordUnitFileHash(); err != nil {
		t.Fatalf("RecordUnitFileHash: %v", err)
	}
	if warn := CheckUnitFileIntegrity(); warn != "" {
		t.Fatalf("expected no warning for unmodified unit, got %q", warn)
	}
}

func TestCheckUnitFileIntegrityModified(t *testing.T) {
	unitPath, _ := setUnitPaths(t)
	if err := os.WriteFile(unitPath, []byte(UnitTemplate()), 0644); err != nil {
		t.Fatal(err)
	}
	if err := RecordUnitFileHash(); err != nil {
		t.Fatalf("RecordUnitFileHash: %v", err)
	}
	tampered := UnitTemplate() + "ExecStartPost=/bin/evil\n"
	if err := os.WriteFile(unitPath, []byte(tampered), 0644); err != nil {
		t.Fatal(err)
	}

	warn := CheckUnitFileIntegrity()
	if warn == "" {
		t.Fatal("expected warning for modified unit file")
	}
	if !strings.Contains(warn, "modified since installation") {
		t.Fatalf("unexpected warning: %q", warn)
	}
}

func TestCheckUnitFileIntegrityInvalidStoredHash(t *testing.T) {
	unitPath, hashPath := setUnitPaths(t)
	if err := os.WriteFile(unitPath, []byte(UnitTemplate()), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(hashPath, []byte("garbage\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if warn := CheckUnitFileIntegrity(); warn != "" {
		t.Fatalf("expected no warning for invalid stored hash, got %q", warn)
	}
}

func TestRecordUnitFileHashWritesDigest(t *testing.T) {
	unitPath, hashPath := setUnitPaths(t)
	content := []byte(UnitTemplate())
	if err := os.WriteFile(unitPath, content, 0644); err != nil {
		t.Fatal(err)
	}
	if err := RecordUnitFileHash(); err != nil {
		t.Fatal(err)
	}

	stored, err := os.ReadFile(hashPath)
	if err != nil {
		t.Fatal(err)
	}
	h := sha256.Sum256(content)
	want := hex.EncodeToString(h[:])
	if got := strings.TrimSpace(string(stored)); got != want {
		t.Fatalf("stored hash = %q, want %q", got, want)
	}
}

func TestRecordUnitFileHashNoUnitFile(t *testing.T) {
	setUnitPaths(t)
	if err := RecordUnitFileHash(); err == nil {
		t.Fatal("expected error when no unit file exists")
	}
}

func TestUnitTemplateShape(t *testing.T) {
	unit := UnitTemplate()
	for _, want := range []string{"[Unit]", "[Service]", "[Install]", "gavel serve", "ProtectSystem=strict"} {
		if !strings.Contains(unit, want) {
			t.Fatalf("unit template missing %q", want)
		}
	}
}
