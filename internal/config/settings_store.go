package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// ProfileSettings are the options remembered per profile with --save-settings.
// Credentials are never stored here.
type ProfileSettings struct {
	BaseURL     string   `json:"base_url"`
	Identity    string   `json:"identity,omitempty"`
	RulesFile   string   `json:"rules_file,omitempty"`
	MetricsAddr string   `json:"metrics_addr,omitempty"`
	Warm        []string `json:"warm,omitempty"`
	Debug       bool     `json:"debug"`
}

func SettingsPath(profile string) (string, error) {
	root, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "backendlink", NormalizeProfile(profile), "settings.json"), nil
}

func LoadSettings(profile string) (ProfileSettings, error) {
	path, err := SettingsPath(profile)
	if err != nil {
		return ProfileSettings{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ProfileSettings{}, err
	}
	var settings ProfileSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return ProfileSettings{}, err
	}
	return settings, nil
}

func SaveSettings(profile string, settings ProfileSettings) error {
	path, err := SettingsPath(profile)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

// MergeOptionsWithSettings fills options the command line left empty from
// the saved profile settings.
func MergeOptionsWithSettings(cli Options, saved ProfileSettings) Options {
	if strings.TrimSpace(cli.BaseURL) == "" {
		cli.BaseURL = saved.BaseURL
	}
	if strings.TrimSpace(cli.Identity) == "" {
		cli.Identity = saved.Identity
	}
	if strings.TrimSpace(cli.RulesFile) == "" {
		cli.RulesFile = saved.RulesFile
	}
	if strings.TrimSpace(cli.MetricsAddr) == "" {
		cli.MetricsAddr = saved.MetricsAddr
	}
	if len(cli.Warm) == 0 {
		cli.Warm = append([]string(nil), saved.Warm...)
	}
	if !cli.Debug {
		cli.Debug = saved.Debug
	}
	return cli
}

func SettingsFromOptions(opts Options) ProfileSettings {
	return ProfileSettings{
		BaseURL:     strings.TrimSpace(opts.BaseURL),
		Identity:    strings.TrimSpace(opts.Identity),
		RulesFile:   strings.TrimSpace(opts.RulesFile),
		MetricsAddr: strings.TrimSpace(opts.MetricsAddr),
		Warm:        append([]string(nil), opts.Warm...),
		Debug:       opts.Debug,
	}
}
