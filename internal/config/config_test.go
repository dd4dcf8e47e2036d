package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "ENV", "DATABASE_URL", "REDIS_URL", "JWT_SECRET", "HISTORY_WINDOW", "NOTIFY_CHANNEL"} {
		t.Setenv(k, "")
	}
	t.Setenv("POSTGRES_HOST", "db")

	cfg := Load()
	if cfg.Port != "3001" || !cfg.IsDevelopment() {
		t.Errorf("port=%s env=%s", cfg.Port, cfg.Env)
	}
	if cfg.HistoryWindow != 50 || cfg.NotifyChannel != "chat_events" {
		t.Errorf("history=%d channel=%s", cfg.HistoryWindow, cfg.NotifyChannel)
	}
	if want := "postgres://postgres:postgres@db:5432/chatdb?sslmode=disable"; cfg.DatabaseURL != want {
		t.Errorf("DatabaseURL = %s, want %s", cfg.DatabaseURL, want)
	}
}

func TestLoadProductionRequiresSecrets(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://prod/db")
	t.Setenv("JWT_SECRET", "")

	defer func() {
		if recover() == nil {
			t.Error("Load did not panic on the default secret in production")
		}
	}()
	Load()
}
