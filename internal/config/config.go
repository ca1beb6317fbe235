package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	DataDir     string `json:"data_dir"`
	LogLevel    string `json:"log_level"`
	MaxSessions int    `json:"max_sessions"`
	CompanyName string `json:"company_name"`
	OpenAI      struct {
		APIKey             string `json:"api_key"`
		BaseURL            string `json:"base_url"`
		RealtimeURL        string `json:"realtime_url"`
		Model              string `json:"model"`
		Voice              string `json:"voice"`
		TranscriptionModel string `json:"transcription_model"`
		GuardrailModel     string `json:"guardrail_model"`
		GuardrailMaxTokens int    `json:"guardrail_max_tokens"`
	} `json:"openai"`
	Credential struct {
		// URL of an external credential endpoint. Empty mints sessions
		// directly with the OpenAI key.
		URL string `json:"url"`
	} `json:"credential"`
	Records struct {
		Endpoint         string `json:"endpoint"`
		MaxAttempts      int    `json:"max_attempts"`
		InitialDelayMS   int    `json:"initial_delay_ms"`
		AttemptTimeoutMS int    `json:"attempt_timeout_ms"`
	} `json:"records"`
	Agents struct {
		CataloguePath string `json:"catalogue_path"`
		DefaultSet    string `json:"default_set"`
	} `json:"agents"`
	Validation struct {
		ZipPattern   string `json:"zip_pattern"`
		StatePattern string `json:"state_pattern"`
	} `json:"validation"`
	HTTP struct {
		Listen string `json:"listen"`
	} `json:"http"`
	Archive struct {
		Path          string `json:"path"`
		RetentionDays int    `json:"retention_days"`
		PruneSchedule string `json:"prune_schedule"`
	} `json:"archive"`
	Telegram struct {
		Token           string   `json:"token"`
		FollowUpTargets []string `json:"followup_targets"`
	} `json:"telegram"`
}

// DefaultPath is ~/.patientline/config.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".patientline", "config.json")
}

func defaults() *Config {
	cfg := &Config{
		DataDir:     filepath.Join(os.Getenv("HOME"), ".patientline"),
		LogLevel:    "info",
		MaxSessions: 4,
		CompanyName: "PatientLine",
	}
	cfg.OpenAI.BaseURL = "https://api.openai.com/v1"
	cfg.OpenAI.RealtimeURL = "wss://api.openai.com/v1/realtime"
	cfg.OpenAI.Model = "gpt-4o-realtime-preview-2024-12-17"
	cfg.OpenAI.Voice = "sage"
	cfg.OpenAI.TranscriptionModel = "whisper-1"
	cfg.OpenAI.GuardrailModel = "gpt-4o-mini"
	cfg.OpenAI.GuardrailMaxTokens = 512
	cfg.Records.Endpoint = "http://localhost:8080/patient"
	cfg.Records.MaxAttempts = 3
	cfg.Records.InitialDelayMS = 1000
	cfg.Records.AttemptTimeoutMS = 30000
	cfg.Agents.DefaultSet = "patientRegistration"
	cfg.HTTP.Listen = "127.0.0.1:3000"
	cfg.Archive.RetentionDays = 30
	cfg.Archive.PruneSchedule = "0 3 * * *"
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.OpenAI.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.OpenAI.BaseURL = baseURL
	}
	if endpoint := os.Getenv("PATIENTLINE_RECORDS_ENDPOINT"); endpoint != "" {
		cfg.Records.Endpoint = endpoint
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}

	return cfg, nil
}

// ArchivePath is the sqlite archive file, inside DataDir unless configured.
func (c *Config) ArchivePath() string {
	if c.Archive.Path != "" {
		return c.Archive.Path
	}
	return filepath.Join(c.DataDir, "archive.db")
}

// Retention is how long archived sessions are kept. Zero disables pruning.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Archive.RetentionDays) * 24 * time.Hour
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	return writeJSON(path, cfg)
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to a nested map via its JSON form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns every setting as a flat dot-key map, optionally with
// secrets masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return m, nil
}

// GetValue reads one dot-key from the file at path. A missing file is
// created with defaults first.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	m, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(m)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue writes one dot-key into the existing file at path. Values that
// parse as JSON (numbers, booleans, arrays) are stored typed; anything else
// is stored as a string.
func SetValue(path, key, value string) error {
	m, err := readRaw(path)
	if err != nil {
		return err
	}
	flat := Flatten(m)

	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil || isObject(parsed) {
		parsed = value
	}
	flat[key] = parsed

	return writeJSON(path, Unflatten(flat))
}

func isObject(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

// secretKeys are masked by list and get unless --show-secrets is passed.
var secretKeys = map[string]bool{
	"openai.api_key": true,
	"telegram.token": true,
}

func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// Flatten turns the nested config map into dot keys ("records.endpoint").
// Lists such as telegram.followup_targets stay whole.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if prefix != "" {
				k = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(k, child)
				continue
			}
			out[k] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten is the inverse of Flatten. A scalar in the way of a deeper key
// is replaced by a section.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, v := range flat {
		section := out
		parts := strings.Split(key, ".")
		for _, p := range parts[:len(parts)-1] {
			next, ok := section[p].(map[string]any)
			if !ok {
				next = make(map[string]any)
				section[p] = next
			}
			section = next
		}
		section[parts[len(parts)-1]] = v
	}
	return out
}

// MaskSecrets copies flat with secret string values reduced to "***" plus
// their last four characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = v
		if s, ok := v.(string); ok && s != "" && secretKeys[k] {
			out[k] = "***" + s[max(0, len(s)-4):]
		}
	}
	return out
}
