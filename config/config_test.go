package config

import "testing"

func TestLoadAppliesDefaultsAndValidatesWithEnvOverrides(t *testing.T) {
	t.Setenv("AUTHD_ADMIN_JWT_SIGNING_KEY", "a-sufficiently-long-signing-key")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7600 {
		t.Fatalf("Server.Port = %d, want default 7600", cfg.Server.Port)
	}
	if cfg.Worker.MaxCount != 4 {
		t.Fatalf("Worker.MaxCount = %d, want default 4", cfg.Worker.MaxCount)
	}
	if cfg.Admin.JWTSigningKey != "a-sufficiently-long-signing-key" {
		t.Fatalf("Admin.JWTSigningKey = %q, want env override", cfg.Admin.JWTSigningKey)
	}
}

func TestLoadFailsValidationWithoutSigningKey(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error when no JWT signing key is configured")
	}
}

func TestDSNAndServerAddr(t *testing.T) {
	cfg := &Config{
		Server:   ServerConfig{Host: "127.0.0.1", Port: 9000},
		Database: DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "disable"},
	}
	if got, want := cfg.ServerAddr(), "127.0.0.1:9000"; got != want {
		t.Fatalf("ServerAddr = %q, want %q", got, want)
	}
	if got, want := cfg.DSN(), "host=db port=5432 user=u password=p dbname=n sslmode=disable"; got != want {
		t.Fatalf("DSN = %q, want %q", got, want)
	}
}
