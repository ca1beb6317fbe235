package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "config.json")
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"OPENAI_API_KEY", "OPENAI_BASE_URL", "PATIENTLINE_RECORDS_ENDPOINT", "TELEGRAM_BOT_TOKEN"} {
		t.Setenv(k, "")
	}
}

func TestLoad_WritesDefaults(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("defaults not written: %v", err)
	}
	if cfg.MaxSessions != 4 {
		t.Errorf("MaxSessions = %d, want 4", cfg.MaxSessions)
	}
	if cfg.Records.MaxAttempts != 3 || cfg.Records.InitialDelayMS != 1000 {
		t.Errorf("unexpected retry defaults: %+v", cfg.Records)
	}
	if cfg.Agents.DefaultSet != "patientRegistration" {
		t.Errorf("DefaultSet = %q", cfg.Agents.DefaultSet)
	}
	if cfg.Retention() != 30*24*time.Hour {
		t.Errorf("Retention = %v", cfg.Retention())
	}
	if cfg.ArchivePath() != filepath.Join(cfg.DataDir, "archive.db") {
		t.Errorf("ArchivePath = %q", cfg.ArchivePath())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := tempConfigPath(t)
	cfg := defaults()
	cfg.OpenAI.APIKey = "sk-from-file"
	writeTestConfig(t, path, cfg)

	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	t.Setenv("OPENAI_BASE_URL", "")
	t.Setenv("PATIENTLINE_RECORDS_ENDPOINT", "http://records.test/patient")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.OpenAI.APIKey != "sk-from-env" {
		t.Errorf("APIKey = %q, env should win", loaded.OpenAI.APIKey)
	}
	if loaded.Records.Endpoint != "http://records.test/patient" {
		t.Errorf("Records.Endpoint = %q", loaded.Records.Endpoint)
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := tempConfigPath(t)
	if err := os.WriteFile(path, []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed config")
	}
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	original := &Config{
		DataDir:     "/tmp/test-data",
		LogLevel:    "debug",
		MaxSessions: 8,
	}
	original.OpenAI.APIKey = "sk-test-round-trip"
	original.OpenAI.Model = "gpt-4o-realtime-preview"
	original.Records.Endpoint = "http://records.local/patient"
	original.Archive.Path = "/tmp/archive.db"
	original.Telegram.Token = "bot-token-456"
	original.Telegram.FollowUpTargets = []string{"telegram:42"}

	if err := Save(path, original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.DataDir != original.DataDir {
		t.Errorf("DataDir mismatch: %v != %v", loaded.DataDir, original.DataDir)
	}
	if loaded.MaxSessions != original.MaxSessions {
		t.Errorf("MaxSessions mismatch: %v != %v", loaded.MaxSessions, original.MaxSessions)
	}
	if loaded.OpenAI.APIKey != original.OpenAI.APIKey {
		t.Errorf("OpenAI.APIKey mismatch: %v != %v", loaded.OpenAI.APIKey, original.OpenAI.APIKey)
	}
	if loaded.ArchivePath() != "/tmp/archive.db" {
		t.Errorf("ArchivePath = %q", loaded.ArchivePath())
	}
	if len(loaded.Telegram.FollowUpTargets) != 1 || loaded.Telegram.FollowUpTargets[0] != "telegram:42" {
		t.Errorf("FollowUpTargets = %v", loaded.Telegram.FollowUpTargets)
	}
}

func TestSave_AtomicWrite(t *testing.T) {
	path := tempConfigPath(t)

	if err := Save(path, &Config{LogLevel: "info"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file should not exist after successful save")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("saved file is not valid JSON: %v", err)
	}
}

func TestSave_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "config.json")
	if err := Save(path, &Config{LogLevel: "warn"}); err != nil {
		t.Fatalf("Save should create parent directory, got: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file should exist: %v", err)
	}
}

func TestListValues_WithMask(t *testing.T) {
	cfg := &Config{LogLevel: "info"}
	cfg.OpenAI.APIKey = "sk-secret-key-1234"
	cfg.Telegram.Token = "bot-token-abcd"

	flat, err := ListValues(cfg, true)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if flat["openai.api_key"] != "***1234" {
		t.Errorf("expected masked openai.api_key=***1234, got %v", flat["openai.api_key"])
	}
	if flat["telegram.token"] != "***abcd" {
		t.Errorf("expected masked telegram.token=***abcd, got %v", flat["telegram.token"])
	}
	if flat["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", flat["log_level"])
	}

	flat, err = ListValues(cfg, false)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if flat["openai.api_key"] != "sk-secret-key-1234" {
		t.Errorf("expected unmasked openai.api_key, got %v", flat["openai.api_key"])
	}
}

func TestGetValue_ExistingKey(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "debug", MaxSessions: 8}
	cfg.OpenAI.Voice = "verse"
	writeTestConfig(t, path, cfg)

	v, err := GetValue(path, "openai.voice")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "verse" {
		t.Errorf("expected openai.voice=verse, got %v", v)
	}

	v, err = GetValue(path, "max_sessions")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	// JSON numbers are float64
	if v != float64(8) {
		t.Errorf("expected max_sessions=8, got %v (%T)", v, v)
	}
}

func TestGetValue_UnknownKey(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	writeTestConfig(t, path, &Config{LogLevel: "info"})

	_, err := GetValue(path, "nonexistent.key")
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
	if err.Error() != "unknown config key: nonexistent.key" {
		t.Errorf("unexpected error %q", err.Error())
	}
}

func TestGetValue_NewFileGetsDefaults(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	v, err := GetValue(path, "archive.prune_schedule")
	if err != nil {
		t.Fatalf("GetValue on new config failed: %v", err)
	}
	if v != "0 3 * * *" {
		t.Errorf("expected default prune schedule, got %v", v)
	}
}

func TestSetValue_TypedValues(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	cfg := &Config{LogLevel: "info", MaxSessions: 2}
	cfg.Records.Endpoint = "http://old/patient"
	writeTestConfig(t, path, cfg)

	cases := []struct {
		key, value string
		want       any
	}{
		{"log_level", "debug", "debug"},
		{"max_sessions", "16", float64(16)},
		{"records.endpoint", "http://new/patient", "http://new/patient"},
		{"custom.flag", "true", true},
	}
	for _, tc := range cases {
		if err := SetValue(path, tc.key, tc.value); err != nil {
			t.Fatalf("SetValue(%s) failed: %v", tc.key, err)
		}
		v, err := GetValue(path, tc.key)
		if err != nil {
			t.Fatalf("GetValue(%s) failed: %v", tc.key, err)
		}
		if v != tc.want {
			t.Errorf("%s = %v (%T), want %v", tc.key, v, v, tc.want)
		}
	}

	// Untouched values survive.
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.MaxSessions != 16 || loaded.LogLevel != "debug" {
		t.Errorf("unexpected reload: %+v", loaded)
	}
}

func TestSetValue_ObjectStoredAsString(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, &Config{})

	if err := SetValue(path, "company_name", `{"a":1}`); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	v, err := GetValue(path, "company_name")
	if err != nil {
		t.Fatal(err)
	}
	if v != `{"a":1}` {
		t.Errorf("company_name = %v", v)
	}
}

func TestSetValue_NonexistentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "config.json")
	if err := SetValue(path, "log_level", "debug"); err == nil {
		t.Fatal("expected error for nonexistent file, got nil")
	}
}

func TestFlatten_Nested(t *testing.T) {
	m := map[string]any{
		"openai": map[string]any{
			"model":   "gpt-4o-realtime-preview",
			"api_key": "sk-test123",
		},
		"log_level": "info",
	}
	got := Flatten(m)
	if got["openai.model"] != "gpt-4o-realtime-preview" {
		t.Errorf("expected openai.model, got %v", got["openai.model"])
	}
	if got["openai.api_key"] != "sk-test123" {
		t.Errorf("expected openai.api_key=sk-test123, got %v", got["openai.api_key"])
	}
	if got["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", got["log_level"])
	}
	if len(got) != 3 {
		t.Errorf("expected 3 keys, got %d", len(got))
	}
}

func TestFlatten_DeeplyNested(t *testing.T) {
	m := map[string]any{
		"a": map[string]any{
			"b": map[string]any{
				"c": "deep",
			},
		},
	}
	got := Flatten(m)
	if got["a.b.c"] != "deep" {
		t.Errorf("expected a.b.c=deep, got %v", got["a.b.c"])
	}
	if len(got) != 1 {
		t.Errorf("expected 1 key, got %d", len(got))
	}
}

func TestFlatten_EmptyNestedMap(t *testing.T) {
	got := Flatten(map[string]any{"credential": map[string]any{}})
	if len(got) != 0 {
		t.Errorf("expected no keys for empty nested map, got %v", got)
	}
}

func TestFlatten_ListsStayLeaves(t *testing.T) {
	m := map[string]any{
		"telegram": map[string]any{
			"followup_targets": []any{"telegram:42", "telegram:43"},
		},
	}
	got := Flatten(m)
	targets, ok := got["telegram.followup_targets"].([]any)
	if !ok || len(targets) != 2 {
		t.Errorf("expected 2 follow-up targets, got %v", got["telegram.followup_targets"])
	}
}

func TestUnflatten_Nested(t *testing.T) {
	flat := map[string]any{
		"records.endpoint":     "http://records.local/patient",
		"records.max_attempts": 5.0,
		"log_level":            "debug",
	}
	got := Unflatten(flat)

	records, ok := got["records"].(map[string]any)
	if !ok {
		t.Fatalf("expected records to be map, got %T", got["records"])
	}
	if records["endpoint"] != "http://records.local/patient" {
		t.Errorf("expected records.endpoint, got %v", records["endpoint"])
	}
	if records["max_attempts"] != 5.0 {
		t.Errorf("expected records.max_attempts=5, got %v", records["max_attempts"])
	}
	if got["log_level"] != "debug" {
		t.Errorf("expected log_level=debug, got %v", got["log_level"])
	}
}

func TestRoundTrip_FlattenUnflatten(t *testing.T) {
	original := map[string]any{
		"data_dir":  "/home/test/.patientline",
		"log_level": "debug",
		"openai": map[string]any{
			"api_key": "sk-test123456",
			"model":   "gpt-4o-realtime-preview",
		},
		"telegram": map[string]any{
			"token": "bot-token-abc",
		},
	}

	restored := Unflatten(Flatten(original))

	if restored["data_dir"] != original["data_dir"] {
		t.Errorf("data_dir mismatch: %v != %v", restored["data_dir"], original["data_dir"])
	}
	oa := restored["openai"].(map[string]any)
	origOA := original["openai"].(map[string]any)
	if oa["api_key"] != origOA["api_key"] {
		t.Errorf("openai.api_key mismatch: %v != %v", oa["api_key"], origOA["api_key"])
	}
	if oa["model"] != origOA["model"] {
		t.Errorf("openai.model mismatch: %v != %v", oa["model"], origOA["model"])
	}
	tg := restored["telegram"].(map[string]any)
	if tg["token"] != "bot-token-abc" {
		t.Errorf("telegram.token mismatch: %v", tg["token"])
	}
}

func TestMaskSecrets_AllSecrets(t *testing.T) {
	flat := map[string]any{
		"openai.model":   "gpt-4o-realtime-preview",
		"openai.api_key": "sk-test123456",
		"telegram.token": "123456:ABCdefGHIjkl",
		"log_level":      "info",
	}
	got := MaskSecrets(flat)

	if got["openai.model"] != "gpt-4o-realtime-preview" {
		t.Errorf("non-secret changed: %v", got["openai.model"])
	}
	if got["openai.api_key"] != "***3456" {
		t.Errorf("expected openai.api_key=***3456, got %v", got["openai.api_key"])
	}
	if got["telegram.token"] != "***Ijkl" {
		t.Errorf("expected telegram.token=***Ijkl, got %v", got["telegram.token"])
	}
}

func TestMaskSecrets_EmptySecret(t *testing.T) {
	got := MaskSecrets(map[string]any{"openai.api_key": ""})
	if got["openai.api_key"] != "" {
		t.Errorf("expected empty string to remain empty, got %v", got["openai.api_key"])
	}
}

func TestMaskSecrets_ShortSecret(t *testing.T) {
	got := MaskSecrets(map[string]any{"openai.api_key": "ab"})
	if got["openai.api_key"] != "***ab" {
		t.Errorf("expected ***ab for short secret, got %v", got["openai.api_key"])
	}
}

func TestIsSecretKey(t *testing.T) {
	if !IsSecretKey("openai.api_key") || !IsSecretKey("telegram.token") {
		t.Error("expected api key and bot token to be secret")
	}
	if IsSecretKey("records.endpoint") {
		t.Error("records.endpoint is not a secret")
	}
}
