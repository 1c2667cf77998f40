package database

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/deskmux/deskmux/internal/logutil"
)

// seedFile is the YAML layout for pre-provisioning profiles and groups.
type seedFile struct {
	Profiles []seedProfile `yaml:"profiles"`
	Groups   []seedGroup   `yaml:"groups"`
}

type seedProfile struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	SSHHost     string `yaml:"ssh_host"`
	SSHPort     int    `yaml:"ssh_port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	OTPRequired bool   `yaml:"otp_required"`
}

type seedGroup struct {
	Name        string   `yaml:"name"`
	RequiresOTP bool     `yaml:"requires_otp"`
	Members     []string `yaml:"members"`
}

// Seed imports profiles and groups from a YAML file. Existing rows are left
// untouched so the file can stay in place across restarts. An empty or
// missing path is a no-op.
func (s *Store) Seed(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read seed file: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}

	created := 0
	for i, sp := range seed.Profiles {
		if sp.ID == "" || sp.Host == "" {
			return fmt.Errorf("seed profile %d: id and host required", i)
		}
		if _, err := s.GetProfile(ctx, sp.ID); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		port := sp.Port
		if port == 0 {
			port = 5900
		}
		sshPort := sp.SSHPort
		if sshPort == 0 && sp.SSHHost != "" {
			sshPort = 22
		}
		p := Profile{
			ID:          sp.ID,
			Name:        sp.Name,
			Host:        sp.Host,
			Port:        port,
			SSHHost:     sp.SSHHost,
			SSHPort:     sshPort,
			Username:    sp.Username,
			OTPRequired: sp.OTPRequired,
			SortOrder:   i,
		}
		if err := s.CreateProfile(ctx, p, sp.Password); err != nil {
			return err
		}
		created++
	}

	for i, sg := range seed.Groups {
		if sg.Name == "" {
			return fmt.Errorf("seed group %d: name required", i)
		}
		var count int64
		s.db.WithContext(ctx).Model(&LaunchGroup{}).Where("name = ?", sg.Name).Count(&count)
		if count > 0 {
			continue
		}
		g := LaunchGroup{Name: sg.Name, RequiresOTP: sg.RequiresOTP, SortOrder: i}
		if _, err := s.CreateGroup(ctx, g, sg.Members); err != nil {
			return err
		}
		created++
	}

	if created > 0 {
		log.Printf("[database] seeded %d record(s) from %s", created, logutil.SanitizeForLog(path))
	}
	return nil
}
