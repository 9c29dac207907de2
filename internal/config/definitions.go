package config

import (
	"fmt"
	"os"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"ldapauth/internal/authn"
	"ldapauth/internal/authz"
	"ldapauth/internal/ldap"
)

// Definitions is the content of the definitions file: directory servers,
// login settings and the optional authorization mapping.
type Definitions struct {
	Servers        []*ldap.ServerConfig
	Authentication authn.Settings
	Authorization  authz.Config
}

type definitionsFile struct {
	Servers        []serverDefinition `yaml:"servers"`
	Authentication settingsDefinition `yaml:"authentication"`
	Authorization  authz.Config       `yaml:"authorization"`
}

// serverDefinition applies struct defaults before decoding, so explicit
// false or zero values in the file are kept.
type serverDefinition struct {
	cfg *ldap.ServerConfig
}

func (s *serverDefinition) UnmarshalYAML(node *yaml.Node) error {
	cfg := &ldap.ServerConfig{}
	if err := defaults.Set(cfg); err != nil {
		return err
	}
	if err := node.Decode(cfg); err != nil {
		return err
	}
	s.cfg = cfg
	return nil
}

type settingsDefinition struct {
	settings authn.Settings
	set      bool
}

func (s *settingsDefinition) UnmarshalYAML(node *yaml.Node) error {
	if err := defaults.Set(&s.settings); err != nil {
		return err
	}
	s.set = true
	return node.Decode(&s.settings)
}

// LoadDefinitions reads and validates a definitions file.
func LoadDefinitions(path string) (*Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions: %w", err)
	}
	defs, err := ParseDefinitions(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// ParseDefinitions decodes and validates definitions. A missing
// authentication section yields the default settings.
func ParseDefinitions(data []byte) (*Definitions, error) {
	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse definitions: %w", err)
	}

	defs := &Definitions{
		Authentication: authn.DefaultSettings(),
		Authorization:  file.Authorization,
	}
	if file.Authentication.set {
		defs.Authentication = file.Authentication.settings
	}
	if err := defs.Authentication.Validate(); err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	for _, s := range file.Servers {
		if err := s.cfg.Validate(); err != nil {
			return nil, err
		}
		if seen[s.cfg.ID] {
			return nil, fmt.Errorf("duplicate server id %q", s.cfg.ID)
		}
		seen[s.cfg.ID] = true
		defs.Servers = append(defs.Servers, s.cfg)
	}
	return defs, nil
}
