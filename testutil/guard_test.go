package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestImportPredicates(t *testing.T) {
	cases := []struct {
		path     string
		internal bool
		infra    bool
	}{
		{"dehc/internal/core", true, false},
		{"dehc/internal/infra/persistence/sqlite", true, true},
		{"dehc/internal", true, false},
		{"dehc/pkg/domain", false, false},
		{"example.com/internalize", false, false},
	}
	for _, c := range cases {
		if got := InternalImportForbidden(c.path); got != c.internal {
			t.Fatalf("InternalImportForbidden(%q)=%v want %v", c.path, got, c.internal)
		}
		if got := InfraImportForbidden(c.path); got != c.infra {
			t.Fatalf("InfraImportForbidden(%q)=%v want %v", c.path, got, c.infra)
		}
	}
}

func TestDirectImportViolations(t *testing.T) {
	dir := t.TempDir()
	write := func(name, src string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("a.go", "package tmp\n\nimport (\n\t\"fmt\"\n\t\"dehc/internal/core\"\n)\n")
	write("a_test.go", "package tmp\n\nimport \"dehc/internal/blob\"\n")
	write("notes.txt", "import \"dehc/internal/config\"\n")

	viols, err := directImportViolations(dir, InternalImportForbidden)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 1 || viols[0] != "dehc/internal/core (in a.go)" {
		t.Fatalf("unexpected violations %v", viols)
	}

	AssertNoDirectImports(t, dir, func(p string) bool { return p == "os" }, "os is unused")
}

func TestDirectImportViolationsReportsParseErrors(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.go"), []byte("package"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := directImportViolations(dir, InternalImportForbidden); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := directImportViolations(filepath.Join(dir, "missing"), InternalImportForbidden); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestUnderPrefix(t *testing.T) {
	match := UnderPrefix("dehc/internal")
	for path, want := range map[string]bool{
		"dehc/internal":                true,
		"dehc/internal/core":           true,
		"dehc/internalize":             false,
		"github.com/x/blake3/internal": false,
	} {
		if got := match(path); got != want {
			t.Fatalf("UnderPrefix(dehc/internal)(%q)=%v want %v", path, got, want)
		}
	}
}
