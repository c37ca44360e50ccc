package blob

import (
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// Only this package may construct driver implementations; everything else
// depends on Store.
func TestOnlyBlobPackageImportsDrivers(t *testing.T) {
	const (
		driverPrefix  = "stepcore/internal/infra/blob"
		allowedPrefix = "stepcore/internal/blob"
	)
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}
	pkgs, err := packages.Load(cfg, "stepcore/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}
	var violations []string
	seen := make(map[string]bool)
	for _, pkg := range pkgs {
		if strings.HasPrefix(pkg.PkgPath, allowedPrefix) || strings.HasPrefix(pkg.PkgPath, driverPrefix) {
			continue
		}
		for imp := range pkg.Imports {
			if imp != driverPrefix && !strings.HasPrefix(imp, driverPrefix+"/") {
				continue
			}
			v := pkg.PkgPath + ": " + imp
			if !seen[v] {
				seen[v] = true
				violations = append(violations, v)
			}
		}
	}
	sort.Strings(violations)
	for _, v := range violations {
		t.Errorf("driver package imported outside internal/blob: %s", v)
	}
}
