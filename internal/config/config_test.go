package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	cfg := Defaults()
	cfg.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Kafka.State = ConsumerConfig{GroupID: "g1", Topics: []string{"t1"}}
	cfg.Kafka.History = ConsumerConfig{GroupID: "g2", Topics: []string{"t2"}}
	cfg.Postgres.DSN = "postgres://localhost/test"
	cfg.Decode.MaxPayloadBytes = 1024
	return cfg
}

func TestValidateServe_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.ValidateServe(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_DefaultsNeedNoExternalSystems(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
	if err := Defaults().ValidateStore(); err == nil {
		t.Fatal("expected ValidateStore to require a DSN")
	}
}

func TestValidateServe_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no brokers", func(c *Config) { c.Kafka.Brokers = nil }},
		{"no dsn", func(c *Config) { c.Postgres.DSN = "" }},
		{"no state group", func(c *Config) { c.Kafka.State.GroupID = "" }},
		{"no history group", func(c *Config) { c.Kafka.History.GroupID = "" }},
		{"shared group", func(c *Config) { c.Kafka.History.GroupID = c.Kafka.State.GroupID }},
		{"no state topics", func(c *Config) { c.Kafka.State.Topics = nil }},
		{"no history topics", func(c *Config) { c.Kafka.History.Topics = nil }},
		{"zero flush interval", func(c *Config) { c.Ingest.FlushIntervalMs = 0 }},
		{"negative flush interval", func(c *Config) { c.Ingest.FlushIntervalMs = -1 }},
		{"zero batch size", func(c *Config) { c.Ingest.BatchSize = 0 }},
		{"zero channel buffer", func(c *Config) { c.Ingest.ChannelBufferSize = 0 }},
		{"zero retention", func(c *Config) { c.Retention.Days = 0 }},
		{"zero shutdown timeout", func(c *Config) { c.Service.ShutdownTimeoutSeconds = 0 }},
		{"invalid timezone", func(c *Config) { c.Retention.Timezone = "Not/A/Real/Zone" }},
		{"zero max payload", func(c *Config) { c.Decode.MaxPayloadBytes = 0 }},
		{"payload above fetch size", func(c *Config) { c.Decode.MaxPayloadBytes = int(c.Kafka.FetchMaxBytes) + 1 }},
		{"zero max conns", func(c *Config) { c.Postgres.MaxConns = 0 }},
		{"unknown sasl mechanism", func(c *Config) { c.Kafka.SASL = SASLConfig{Enabled: true, Mechanism: "GSSAPI"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.ValidateServe(); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestValidate_ValidTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Retention.Timezone = "America/New_York"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestDecodeOptions(t *testing.T) {
	d := DecodeConfig{FourByteASN: true, AddPath: true, ExtendedMessage: true}
	opts := d.Options()
	if !opts.FourByteASN || !opts.AddPath || !opts.ExtendedMessage || opts.StrictMarker {
		t.Errorf("expected options to mirror the section, got %+v", opts)
	}
	if def := Defaults().Decode.Options(); !def.FourByteASN || !def.StrictMarker || def.AddPath {
		t.Errorf("expected default options with 4-octet AS and strict marker, got %+v", def)
	}
}

func TestBuildSASLMechanism(t *testing.T) {
	for _, mech := range []string{"plain", "SCRAM-SHA-256", "scram-sha-512"} {
		k := KafkaConfig{SASL: SASLConfig{Enabled: true, Mechanism: mech, Username: "u", Password: "p"}}
		if k.BuildSASLMechanism() == nil {
			t.Errorf("expected a mechanism for %q", mech)
		}
	}
	if (&KafkaConfig{}).BuildSASLMechanism() != nil {
		t.Error("expected nil mechanism with SASL disabled")
	}
}

func writeMinimalYAML(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	data := `
decode:
  add_path: true
kafka:
  brokers:
    - "localhost:9092"
  state:
    topics:
      - "t1"
  history:
    topics:
      - "t2"
postgres:
  dsn: "postgres://localhost/test"
`
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_File(t *testing.T) {
	cfg, err := Load(writeMinimalYAML(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Decode.AddPath || !cfg.Decode.FourByteASN {
		t.Errorf("expected add_path from file and four_byte_asn from defaults, got %+v", cfg.Decode)
	}
	if cfg.Kafka.History.GroupID != "rib-decoder-history" {
		t.Errorf("expected default history group, got %q", cfg.Kafka.History.GroupID)
	}
	if err := cfg.ValidateServe(); err != nil {
		t.Errorf("expected loaded config to be servable, got %v", err)
	}
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.HTTPListen != ":8080" {
		t.Errorf("expected default listen address, got %q", cfg.Service.HTTPListen)
	}
}

func TestLoad_EnvOverrideDSN(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("RIB_DECODER_POSTGRES__DSN", "postgres://envhost/envdb")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Postgres.DSN != "postgres://envhost/envdb" {
		t.Errorf("expected DSN from env, got %q", cfg.Postgres.DSN)
	}
}

func TestLoad_EnvOverrideLogLevel(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("RIB_DECODER_SERVICE__LOG_LEVEL", "debug")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.LogLevel != "debug" {
		t.Errorf("expected log_level 'debug' from env, got %q", cfg.Service.LogLevel)
	}
}

func TestLoad_EnvBrokerList(t *testing.T) {
	t.Setenv("RIB_DECODER_KAFKA__BROKERS", "k1:9092,k2:9092")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("expected two brokers, got %v", cfg.Kafka.Brokers)
	}
}

func TestLoad_EnvEmptyGroupIDFailsServeValidation(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("RIB_DECODER_KAFKA__STATE__GROUP_ID", "")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cfg.ValidateServe(); err == nil {
		t.Fatal("expected validation error for empty state group_id via env")
	}
}

func TestLoad_InvalidCommonSettings(t *testing.T) {
	t.Setenv("RIB_DECODER_RETENTION__TIMEZONE", "Mars/Olympus")
	if _, err := Load(""); err == nil {
		t.Fatal("expected Load to reject an invalid timezone")
	}
}
