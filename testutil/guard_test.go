package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type recordingT struct {
	msg string
}

func (r *recordingT) Fatalf(format string, args ...any) { r.msg = fmt.Sprintf(format, args...) }

func TestPredicates(t *testing.T) {
	cases := []struct {
		pred ImportPredicate
		in   string
		want bool
	}{
		{InternalImportForbidden, "stepcore/internal/core", true},
		{InternalImportForbidden, "internal/poll", true},
		{InternalImportForbidden, "stepcore/pkg/sdai", false},
		{PrefixForbidden("stepcore/internal/infra"), "stepcore/internal/infra", true},
		{PrefixForbidden("stepcore/internal/infra"), "stepcore/internal/infra/blob/s3", true},
		{PrefixForbidden("stepcore/internal/infra"), "stepcore/internal/infrastructure", false},
	}
	for _, c := range cases {
		if got := c.pred(c.in); got != c.want {
			t.Errorf("predicate(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func writePkg(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, src := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestDirectImportViolations(t *testing.T) {
	dir := writePkg(t, map[string]string{
		"a.go":      "package tmp\nimport (\n\t\"fmt\"\n\t\"stepcore/internal/core\"\n)\n",
		"b.go":      "package tmp\nimport \"os\"\n",
		"a_test.go": "package tmp\nimport \"stepcore/internal/p21\"\n",
		"notes.txt": "import \"stepcore/internal/blob\"",
	})
	viols, err := directImportViolations(dir, InternalImportForbidden)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 1 || viols[0] != "stepcore/internal/core (in a.go)" {
		t.Fatalf("unexpected violations %v", viols)
	}
	AssertNoDirectImports(t, dir, PrefixForbidden("net"), "no networking")
}

func TestDirectImportErrors(t *testing.T) {
	if _, err := directImportViolations(filepath.Join(t.TempDir(), "absent"), InternalImportForbidden); err == nil {
		t.Fatal("expected missing dir error")
	}
	dir := writePkg(t, map[string]string{"bad.go": "package tmp\nimport ("})
	if _, err := directImportViolations(dir, InternalImportForbidden); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestReport(t *testing.T) {
	var r recordingT
	report(&r, "direct imports", "boundary", nil)
	if r.msg != "" {
		t.Fatalf("unexpected failure %q", r.msg)
	}
	report(&r, "direct imports", "boundary", []string{"x", "y"})
	if !strings.Contains(r.msg, "forbidden direct imports (boundary)") || !strings.HasSuffix(r.msg, "x\ny") {
		t.Fatalf("unexpected message %q", r.msg)
	}
}

func TestTransitiveViolations(t *testing.T) {
	viols, err := transitiveViolations(".", PrefixForbidden("go/parser"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(viols) != 1 || viols[0] != "go/parser" {
		t.Fatalf("unexpected violations %v", viols)
	}
	AssertNoTransitiveDependency(t, ".", PrefixForbidden("stepcore/internal"), "testutil stays standalone")
}
