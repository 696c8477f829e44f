// Package config loads the server's tunable knobs from layered JSON files,
// grounded in the teacher's internal/config.Manager: a project-level file
// overrides a user-level file, and both fall back to hardcoded defaults.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds every numeric/behavioral knob named in the spec's
// "Configuration keys consumed" list. JSON zero values (0, "", false) mean
// "not set at this layer" and fall through to the next layer's value or the
// hardcoded default in mergeConfigs.
type Config struct {
	// Output Fan-out Engine (§4.E)
	MaxFlushBytesPerTick int `json:"max_flush_bytes_per_tick,omitempty"`
	MaxBacklogBytes      int `json:"max_backlog_bytes,omitempty"`

	// Session activity (§4.D)
	InactiveAfterMS          int `json:"session_activity_inactive_after_ms,omitempty"`
	SuppressAfterResizeMS    int `json:"session_activity_suppress_after_resize_ms,omitempty"`
	MinBytesForActiveMarker  int `json:"session_activity_min_bytes_for_active_marker,omitempty"`
	MaxActivityTransitions   int `json:"max_activity_transitions,omitempty"`
	MaxRenderMarkers         int `json:"max_render_markers,omitempty"`

	// Input Pipeline (§4.F)
	APIStdinDefaultDelayMS        int  `json:"api_stdin_default_delay_ms,omitempty"`
	APIStdinDefaultSimulateTyping bool `json:"api_stdin_default_simulate_typing,omitempty"`
	APIStdinDefaultTypingDelayMS  int  `json:"api_stdin_default_typing_delay_ms,omitempty"`
	APIStdinSendFocusInOut        bool `json:"api_stdin_send_focus_in_out,omitempty"`
	APIStdinMaxMessagesPerSession int  `json:"api_stdin_max_messages_per_session,omitempty"`
	ScheduledInputMaxMessagesPerSession int `json:"scheduled_input_max_messages_per_session,omitempty"`

	// Scheduler (§4.G)
	ScheduledInputMaxRulesPerSession int `json:"scheduled_input_max_rules_per_session,omitempty"`
	ScheduledInputMaxBytesPerRule    int `json:"scheduled_input_max_bytes_per_rule,omitempty"`

	// Stop inputs (§4.H)
	StopInputsRearmMax              int `json:"stop_inputs_rearm_max,omitempty"`
	StopInputsGraceMS               int `json:"stop_inputs_grace_ms,omitempty"`
	StopInputsSessionStartGraceMS   int `json:"stop_inputs_session_start_grace_ms,omitempty"`

	// Rate limiters (§4.A)
	RateLimitGlobalPerSec      int `json:"rate_limit_global_per_sec,omitempty"`
	RateLimitSessionPerSec     int `json:"rate_limit_session_per_sec,omitempty"`
	RateLimitUserCreatePerSec  int `json:"rate_limit_user_create_per_sec,omitempty"`

	// Ambient / daemon
	LogLevel   string `json:"log_level,omitempty"`
	LogFile    string `json:"log_file,omitempty"`
	ListenAddr string `json:"listen_addr,omitempty"`
	SessionsDir string `json:"sessions_dir,omitempty"`
	IndexDBPath string `json:"index_db_path,omitempty"`
	JWTPublicKey string `json:"jwt_public_key,omitempty"`
}

// Defaults returns the spec-mandated default values (§6).
func Defaults() Config {
	return Config{
		MaxFlushBytesPerTick:                64 * 1024,
		MaxBacklogBytes:                     1024 * 1024,
		InactiveAfterMS:                     1000,
		SuppressAfterResizeMS:               300,
		MinBytesForActiveMarker:             16,
		MaxActivityTransitions:              10000,
		MaxRenderMarkers:                    2000,
		APIStdinDefaultDelayMS:              1000,
		APIStdinDefaultSimulateTyping:       false,
		APIStdinDefaultTypingDelayMS:        20,
		APIStdinSendFocusInOut:              false,
		APIStdinMaxMessagesPerSession:       1000,
		ScheduledInputMaxMessagesPerSession: 1000,
		ScheduledInputMaxRulesPerSession:    20,
		ScheduledInputMaxBytesPerRule:       8192,
		StopInputsRearmMax:                  10,
		StopInputsGraceMS:                   2000,
		StopInputsSessionStartGraceMS:       15000,
		RateLimitGlobalPerSec:               300,
		RateLimitSessionPerSec:              100,
		RateLimitUserCreatePerSec:           10,
		LogLevel:                            "info",
		ListenAddr:                          ":7890",
		SessionsDir:                         "sessions",
		IndexDBPath:                         "index.db",
	}
}

// Manager loads and merges user- and project-level config files, project
// layer winning over user layer, both winning over Defaults().
type Manager struct {
	userConfig    Config
	projectConfig Config
	merged        Config
}

func NewManager() *Manager {
	return &Manager{merged: Defaults()}
}

func (m *Manager) Load(userConfigDir, projectDir string) error {
	if err := loadConfig(filepath.Join(userConfigDir, "settings.json"), &m.userConfig); err != nil {
		return err
	}
	if err := loadConfig(filepath.Join(projectDir, ".termd", "settings.json"), &m.projectConfig); err != nil {
		return err
	}
	m.mergeConfigs()
	return nil
}

func loadConfig(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, cfg)
}

func (m *Manager) mergeConfigs() {
	merged := Defaults()
	applyLayer(&merged, m.userConfig)
	applyLayer(&merged, m.projectConfig)
	m.merged = merged
}

// applyLayer overwrites every non-zero field of layer onto dst. Reflection
// is avoided (the teacher's getStringValue/getBoolValue/getIntValue pattern,
// generalized to one pass) to keep this legible without a struct-tag dance.
func applyLayer(dst *Config, layer Config) {
	data, _ := json.Marshal(layer)
	var raw map[string]json.RawMessage
	json.Unmarshal(data, &raw)
	if len(raw) == 0 {
		return
	}
	merged, _ := json.Marshal(dst)
	var dstRaw map[string]json.RawMessage
	json.Unmarshal(merged, &dstRaw)
	for k, v := range raw {
		dstRaw[k] = v
	}
	out, _ := json.Marshal(dstRaw)
	json.Unmarshal(out, dst)
}

func (m *Manager) Get() *Config {
	return &m.merged
}

func (m *Manager) SaveUserConfig(userConfigDir string) error {
	if err := os.MkdirAll(userConfigDir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.userConfig, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(userConfigDir, "settings.json"), data, 0644)
}

func (m *Manager) SaveProjectConfig(projectDir string) error {
	dir := filepath.Join(projectDir, ".termd")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.projectConfig, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "settings.json"), data, 0644)
}
