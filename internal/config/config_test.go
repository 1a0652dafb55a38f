package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dossierflow/internal/config"
	"dossierflow/internal/domain"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default("acge")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.Agency.ID != "acge" {
		t.Fatalf("agency id = %s", cfg.Agency.ID)
	}

	items := cfg.Items()
	if len(items) == 0 {
		t.Fatal("default catalog is empty")
	}
	stages := map[domain.Stage]int{}
	optional := 0
	for _, it := range items {
		stages[it.Stage]++
		if !it.Mandatory {
			optional++
		}
	}
	if stages[domain.StageCB] == 0 || stages[domain.StageOrdonnateur] == 0 {
		t.Fatalf("both stages must carry items: %v", stages)
	}
	if optional == 0 {
		t.Fatal("default catalog should carry at least one optional item")
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("dgtcp")))
	if err != nil {
		t.Fatalf("generated config must parse: %v", err)
	}
	if cfg.Agency.ID != "dgtcp" {
		t.Fatalf("agency id = %s", cfg.Agency.ID)
	}
}

const minimalCatalog = `
agency:
  id: acge
catalog:
  - id: cat_a
    label: Contrôles A
    stage: cb
    items:
      - id: item_1
        label: Pièce
  - id: cat_b
    label: Contrôles B
    stage: cb
    items:
      - id: item_2
        label: Calculs
  - id: cat_c
    label: Contrôles ordonnateur
    stage: ordonnateur
    items:
      - id: item_3
        label: Visa
        mandatory: false
`

func TestValidateMinimalCatalog(t *testing.T) {
	cfg, err := config.FromYAML([]byte(minimalCatalog))
	if err != nil {
		t.Fatalf("minimal catalog must validate: %v", err)
	}
	items := cfg.Items()
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	if items[2].Mandatory {
		t.Fatal("mandatory: false must be honored")
	}
	if items[0].Position != 0 || items[2].Position != 2 {
		t.Fatalf("positions must follow catalog order: %+v", items)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(s string) string
		wantErr string
	}{
		{"duplicate item id", func(s string) string { return strings.Replace(s, "id: item_2", "id: item_1", 1) }, "duplicate item id"},
		{"duplicate category id", func(s string) string { return strings.Replace(s, "id: cat_b", "id: cat_a", 1) }, "duplicate category id"},
		{"bad stage", func(s string) string { return strings.Replace(s, "stage: ordonnateur", "stage: comptable", 1) }, "invalid stage"},
		{"missing agency", func(s string) string { return strings.Replace(s, "id: acge", "id: \"\"", 1) }, "agency.id"},
		{"single cb category", func(s string) string { return strings.Replace(s, "stage: cb", "stage: ordonnateur", 1) }, "exactly two"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(tc.mutate(minimalCatalog)))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("want error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()

	cfg, err := config.LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("absent config: cfg=%v err=%v", cfg, err)
	}

	path := filepath.Join(dir, "dossierflow.yml")
	if err := os.WriteFile(path, []byte(config.GenerateDefault("acge")), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err = config.LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("present config: cfg=%v err=%v", cfg, err)
	}
	if config.Path(dir) != path {
		t.Fatalf("path = %s", config.Path(dir))
	}
}
