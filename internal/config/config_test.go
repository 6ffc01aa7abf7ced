package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaultsAndOverride(t *testing.T) {
	path := writeFile(t, "cfg.json", `{
		"server": {"port": 9000, "dataDir": "`+t.TempDir()+`", "logLevel": "debug"},
		"population": {"size": 8, "generations": 3, "crossoverProb": 0.5, "evalWorkers": 4}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Population.Size != 8 {
		t.Errorf("population size = %d, want 8", cfg.Population.Size)
	}
	// Untouched sections keep defaults.
	if cfg.Cache.TTLSeconds != 600 {
		t.Errorf("cache ttl = %d, want default 600", cfg.Cache.TTLSeconds)
	}
	if cfg.Fitness.WRepairs != 0.2 {
		t.Errorf("wRepairs = %v, want default 0.2", cfg.Fitness.WRepairs)
	}
}

func TestLoadRejectsUnknownOptions(t *testing.T) {
	path := writeFile(t, "cfg.json", `{"server": {"port": 1}, "turboMode": true}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown option to be rejected")
	}
}

func TestValidateRanges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Population.Size = 3
	if err := cfg.Validate(); err == nil {
		t.Error("population size 3 should fail (range 4-64)")
	}
	cfg = DefaultConfig()
	cfg.Population.Size = 65
	if err := cfg.Validate(); err == nil {
		t.Error("population size 65 should fail")
	}
	cfg = DefaultConfig()
	cfg.Daemon.ScheduleKind = "moonphase"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown schedule kind should fail")
	}
	cfg = DefaultConfig()
	cfg.Bandit.PriorAlpha = 0.5
	if err := cfg.Validate(); err == nil {
		t.Error("prior below 1 should fail")
	}
}

func TestElitismAndTournamentDerivation(t *testing.T) {
	cases := []struct {
		size       int
		elite      int
		tournament int
	}{
		{4, 1, 2},
		{12, 2, 3},
		{64, 10, 16},
	}
	for _, tc := range cases {
		p := PopulationConfig{Size: tc.size}
		if got := p.Elite(); got != tc.elite {
			t.Errorf("elite(%d) = %d, want %d", tc.size, got, tc.elite)
		}
		if got := p.Tournament(); got != tc.tournament {
			t.Errorf("tournament(%d) = %d, want %d", tc.size, got, tc.tournament)
		}
	}
}

func TestLoadCatalog(t *testing.T) {
	path := writeFile(t, "models.toml", `
[models."local/small"]
provider = "local"
name = "Small Local"
context_window = 8192
cost_input = 0.0
cost_output = 0.0

[models."openai/gpt"]
provider = "openai"
name = "GPT"
context_window = 128000
cost_input = 2.5
cost_output = 10.0
`)
	cat, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	if !cat.Allowed("local/small") || !cat.Allowed("openai/gpt") {
		t.Error("expected both models allow-listed")
	}
	if cat.Allowed("mystery/model") {
		t.Error("unlisted model must not be allowed")
	}
	cost := cat.Cost("openai/gpt", 1_000_000, 1_000_000)
	if cost != 12.5 {
		t.Errorf("cost = %v, want 12.5", cost)
	}
}

func TestLoadCatalogEmpty(t *testing.T) {
	path := writeFile(t, "models.toml", ``)
	if _, err := LoadCatalog(path); err == nil {
		t.Fatal("empty catalog should fail")
	}
}
