package cfg

import (
	"testing"
)

func TestGetVersion(t *testing.T) {
	if GetVersion() == "" {
		t.Error("GetVersion should never return empty string")
	}
}

func TestConfigFields(t *testing.T) {
	cfg := &Cfg{
		RulesFile:         "./rules.yml",
		DBPath:            "./dropwatch.db",
		Port:              "8080",
		FeedWorkerCount:   5,
		SocialWorkerCount: 2,
		CycleInterval:     300,
		CycleTimeout:      300,
		UserAgent:         "Test Agent",
		Timezone:          "UTC",
		Debug:             true,
	}

	if cfg.RulesFile != "./rules.yml" {
		t.Errorf("Expected rules file './rules.yml', got '%s'", cfg.RulesFile)
	}
	if cfg.Port != "8080" {
		t.Errorf("Expected port '8080', got '%s'", cfg.Port)
	}
	if cfg.FeedWorkerCount != 5 {
		t.Errorf("Expected feed worker count 5, got %d", cfg.FeedWorkerCount)
	}
	if cfg.CycleInterval != 300 {
		t.Errorf("Expected cycle interval 300, got %d", cfg.CycleInterval)
	}
	if !cfg.Debug {
		t.Error("Expected debug to be enabled")
	}
}

func TestApplyTimezone(t *testing.T) {
	if err := applyTimezone("UTC"); err != nil {
		t.Errorf("UTC should always be a valid timezone, got %v", err)
	}
	if err := applyTimezone("Not/AZone"); err == nil {
		t.Error("Expected an error for an invalid timezone")
	}
}

func TestGet_PanicsBeforeLoad(t *testing.T) {
	saved := globalCfg
	globalCfg = nil
	defer func() {
		globalCfg = saved
		if recover() == nil {
			t.Error("Get should panic before Load")
		}
	}()
	Get()
}
