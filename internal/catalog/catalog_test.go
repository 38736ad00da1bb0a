package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func writeCatalogFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
		t.Fatalf("write catalog file: %v", err)
	}
}

func TestLoadSkipsEmptyURL(t *testing.T) {
	dir := t.TempDir()
	writeCatalogFile(t, dir, "inm24_urls.csv", "PaginaWeb,Ciudad,Operacion,ProductoPaginaWeb,URL\n"+
		"Inmuebles24,Gdl,Ven,Dep,https://example.com/1\n"+
		"Inmuebles24,Gdl,Ven,Dep,\n"+
		"Inmuebles24,Mty,Ren,Cas,https://example.com/3\n")

	resolver := NewMappingResolver(map[string]string{"Inmuebles24": "Inm24"})
	rows, err := Load(dir, "Inm24", resolver, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	if rows[0].Order != 1 || rows[1].Order != 3 {
		t.Errorf("orders = %d,%d, want 1,3 (preserve input ordering)", rows[0].Order, rows[1].Order)
	}
	if rows[0].SiteCode != "Inm24" {
		t.Errorf("SiteCode = %q, want Inm24", rows[0].SiteCode)
	}
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir, "nope", nil, nil); err == nil {
		t.Fatal("expected error for missing catalog file")
	}
}

func TestMappingResolverCaseInsensitive(t *testing.T) {
	r := NewMappingResolver(map[string]string{"Inmuebles24": "Inm24"})
	code, ok := r.ResolveSite("  inmuebles24  ")
	if !ok || code != "Inm24" {
		t.Errorf("ResolveSite = (%q,%v), want (Inm24,true)", code, ok)
	}
	if _, ok := r.ResolveSite("unknown"); ok {
		t.Errorf("ResolveSite should fail for unknown site")
	}
}
