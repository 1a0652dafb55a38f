package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"dossierflow/internal/domain"
)

// Config models dossierflow.yml.
type Config struct {
	Agency struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"agency"`
	Catalog  []Category      `yaml:"catalog"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Auth     struct {
		JWTSecret         string `yaml:"jwt_secret"`
		AllowActorHeaders bool   `yaml:"allow_actor_headers"`
	} `yaml:"auth"`
	Server struct {
		Listen   string `yaml:"listen"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

// Category groups checklist items for one review stage.
type Category struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`
	Stage string `yaml:"stage"`
	Items []Item `yaml:"items"`
}

type Item struct {
	ID        string `yaml:"id"`
	Label     string `yaml:"label"`
	Mandatory *bool  `yaml:"mandatory"`
}

// IsMandatory defaults unset items to mandatory.
func (i Item) IsMandatory() bool {
	return i.Mandatory == nil || *i.Mandatory
}

type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events"`
	Enabled *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with df init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Agency.ID == "" {
		return fmt.Errorf("config.agency.id is required")
	}
	if len(c.Catalog) == 0 {
		return fmt.Errorf("config.catalog is required")
	}
	cbCategories := 0
	seenCat := map[string]bool{}
	seenItem := map[string]bool{}
	for _, cat := range c.Catalog {
		if cat.ID == "" {
			return fmt.Errorf("config.catalog contains category with empty id")
		}
		if seenCat[cat.ID] {
			return fmt.Errorf("duplicate category id %s", cat.ID)
		}
		seenCat[cat.ID] = true
		stage := domain.Stage(cat.Stage)
		if !stage.IsValid() {
			return fmt.Errorf("category %s has invalid stage %q", cat.ID, cat.Stage)
		}
		if stage == domain.StageCB {
			cbCategories++
		}
		if len(cat.Items) == 0 {
			return fmt.Errorf("category %s has no items", cat.ID)
		}
		for _, item := range cat.Items {
			if item.ID == "" {
				return fmt.Errorf("category %s contains item with empty id", cat.ID)
			}
			if seenItem[item.ID] {
				return fmt.Errorf("duplicate item id %s", item.ID)
			}
			seenItem[item.ID] = true
			if item.Label == "" {
				return fmt.Errorf("item %s has empty label", item.ID)
			}
		}
	}
	// CB validation gates on two independent sub-checklists.
	if cbCategories != 2 {
		return fmt.Errorf("stage cb requires exactly two categories, got %d", cbCategories)
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Items flattens the catalog into ordered verification items.
func (c *Config) Items() []domain.VerificationItem {
	var items []domain.VerificationItem
	pos := 0
	for _, cat := range c.Catalog {
		for _, item := range cat.Items {
			items = append(items, domain.VerificationItem{
				ID:         item.ID,
				CategoryID: cat.ID,
				Stage:      domain.Stage(cat.Stage),
				Label:      item.Label,
				Mandatory:  item.IsMandatory(),
				Position:   pos,
			})
			pos++
		}
	}
	return items
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dossierflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(agencyID string) string {
	return fmt.Sprintf(defaultTemplate, agencyID)
}

// Default returns the default Config struct for an agency.
func Default(agencyID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, agencyID)), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `agency:
  id: %s
  name: Agence comptable

catalog:
  - id: controles_operation
    label: "Contrôles de type d'opération"
    stage: cb
    items:
      - id: piece_justificative
        label: "Pièces justificatives présentes et conformes"
      - id: imputation_budgetaire
        label: "Imputation budgétaire correcte"
      - id: disponibilite_credits
        label: "Disponibilité des crédits"
      - id: seuil_engagement
        label: "Seuil d'engagement respecté"
        mandatory: false

  - id: controles_fond
    label: "Contrôles de fond"
    stage: cb
    items:
      - id: exactitude_calculs
        label: "Exactitude des calculs de liquidation"
      - id: service_fait
        label: "Certification du service fait"
      - id: identite_creancier
        label: "Identité du créancier vérifiée"

  - id: controles_ordonnateur
    label: "Vérifications de l'ordonnateur"
    stage: ordonnateur
    items:
      - id: conformite_engagement
        label: "Conformité à l'engagement initial"
      - id: visa_cb_present
        label: "Visa du contrôleur budgétaire présent"
      - id: coordonnees_bancaires
        label: "Coordonnées bancaires du créancier exactes"
      - id: montant_ordonnance
        label: "Montant ordonnancé égal au montant liquidé"
      - id: caractere_liberatoire
        label: "Caractère libératoire du règlement"
        mandatory: false

server:
  listen: 127.0.0.1:8433
  base_path: /v1

auth:
  allow_actor_headers: true
`
