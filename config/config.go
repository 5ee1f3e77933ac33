// Package config loads the daemon and client configuration from TOML and
// supplies defaults so a zero configuration is usable. Configuration is an
// explicit value threaded into constructors at startup; nothing in the
// protocol reads process-wide state after load.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/BurntSushi/toml"
)

// Version is the protocol/tool version reported in the welcome banner.
const Version = "1.0.0"

// Config is the full configuration tree.
type Config struct {
	Server   Server   `toml:"server"`
	Security Security `toml:"security"`
	Shell    Shell    `toml:"shell"`
}

// Server holds daemon listener addresses.
type Server struct {
	ListenAddr string `toml:"listen_addr"`
	StatusAddr string `toml:"status_addr"`

	// MaxPayload caps incoming frame sizes in bytes. Zero disables the cap.
	MaxPayload uint32 `toml:"max_payload"`
}

// Security holds key-size settings shared by both sides of a session.
type Security struct {
	RSAKeySize int `toml:"rsa_key_size"`
	AESKeySize int `toml:"aes_key_size"`
}

// Shell holds client-facing shell behavior.
type Shell struct {
	// Encrypt upgrades the channel to encrypted mode right after connect.
	Encrypt bool `toml:"encrypt"`

	// Welcome is a text/template banner rendered with {{.Version}} and
	// {{.Addr}}.
	Welcome string `toml:"welcome"`

	// HelpMsg is the static help text, one line per entry.
	HelpMsg []string `toml:"helpmsg"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{
			ListenAddr: ":5000",
			StatusAddr: ":5001",
		},
		Security: Security{
			RSAKeySize: 1024,
			AESKeySize: 16,
		},
		Shell: Shell{
			Encrypt: true,
			Welcome: "Remote Shell Version {{.Version}} ({{.Addr}})\nEnter #: help for metacommand help.",
			HelpMsg: []string{
				"Metacommands:",
				"  #: mode.encrypt    switch the channel to encrypted mode",
				"  #: mode.signature  switch the channel to signed mode",
				"  #: mode            show the current security mode",
				"  #: help            show this help",
				"  #: exit            terminate the session",
			},
		},
	}
}

// Load reads a TOML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// WelcomeBanner renders the welcome template.
func (s Shell) WelcomeBanner(addr string) (string, error) {
	tmpl, err := template.New("welcome").Parse(s.Welcome)
	if err != nil {
		return "", fmt.Errorf("parsing welcome template: %w", err)
	}
	var buf bytes.Buffer
	err = tmpl.Execute(&buf, struct {
		Version string
		Addr    string
	}{Version: Version, Addr: addr})
	if err != nil {
		return "", fmt.Errorf("rendering welcome template: %w", err)
	}
	return buf.String(), nil
}

// HelpText joins the help lines into the text returned by the help
// metacommand.
func (s Shell) HelpText() string {
	return strings.Join(s.HelpMsg, "\n") + "\n"
}
