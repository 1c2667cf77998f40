package database

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/deskmux/deskmux/internal/crypto"
	"github.com/deskmux/deskmux/internal/session"
)

// ErrNotFound marks a missing profile or group.
var ErrNotFound = errors.New("not found")

// Store is the persistence layer for profiles and launch groups. It
// implements the registry's profile/credential lookup, decrypting stored
// passwords on the way out.
type Store struct {
	db     *gorm.DB
	keeper *crypto.Keeper
}

// NewStore creates a Store over the given handle and credential keeper.
func NewStore(db *gorm.DB, keeper *crypto.Keeper) *Store {
	return &Store{db: db, keeper: keeper}
}

// Profile returns the connection configuration for one profile.
func (s *Store) Profile(ctx context.Context, id session.ProfileID) (session.ProfileInfo, error) {
	var p Profile
	if err := s.db.WithContext(ctx).First(&p, "id = ?", string(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return session.ProfileInfo{}, fmt.Errorf("profile %s: %w", id, ErrNotFound)
		}
		return session.ProfileInfo{}, fmt.Errorf("load profile %s: %w", id, err)
	}
	return toProfileInfo(p), nil
}

// Credentials returns the decrypted credentials for one profile.
func (s *Store) Credentials(ctx context.Context, id session.ProfileID) (session.Credentials, error) {
	var p Profile
	if err := s.db.WithContext(ctx).First(&p, "id = ?", string(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return session.Credentials{}, fmt.Errorf("profile %s: %w", id, ErrNotFound)
		}
		return session.Credentials{}, fmt.Errorf("load credentials %s: %w", id, err)
	}
	password, err := s.keeper.Decrypt(p.PasswordEnc)
	if err != nil {
		return session.Credentials{}, fmt.Errorf("decrypt password for %s: %w", id, err)
	}
	return session.Credentials{Username: p.Username, Password: password}, nil
}

func toProfileInfo(p Profile) session.ProfileInfo {
	return session.ProfileInfo{
		ID:          session.ProfileID(p.ID),
		Name:        p.Name,
		Host:        p.Host,
		Port:        p.Port,
		SSHHost:     p.SSHHost,
		SSHPort:     p.SSHPort,
		Username:    p.Username,
		OTPRequired: p.OTPRequired,
	}
}

// ListProfiles returns all profiles ordered for display. Passwords stay
// encrypted in the returned rows and are excluded from JSON.
func (s *Store) ListProfiles(ctx context.Context) ([]Profile, error) {
	var profiles []Profile
	if err := s.db.WithContext(ctx).Order("sort_order, id").Find(&profiles).Error; err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	return profiles, nil
}

// GetProfile returns one profile row.
func (s *Store) GetProfile(ctx context.Context, id string) (Profile, error) {
	var p Profile
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Profile{}, fmt.Errorf("profile %s: %w", id, ErrNotFound)
		}
		return Profile{}, err
	}
	return p, nil
}

// CreateProfile stores a new profile, encrypting the plaintext password.
func (s *Store) CreateProfile(ctx context.Context, p Profile, password string) error {
	if p.ID == "" {
		return errors.New("profile id required")
	}
	enc, err := s.keeper.Encrypt(password)
	if err != nil {
		return err
	}
	p.PasswordEnc = enc
	if err := s.db.WithContext(ctx).Create(&p).Error; err != nil {
		return fmt.Errorf("create profile %s: %w", p.ID, err)
	}
	return nil
}

// UpdateProfile updates a profile's connection fields. A non-empty password
// replaces the stored one.
func (s *Store) UpdateProfile(ctx context.Context, p Profile, password string) error {
	existing, err := s.GetProfile(ctx, p.ID)
	if err != nil {
		return err
	}
	p.PasswordEnc = existing.PasswordEnc
	if password != "" {
		enc, err := s.keeper.Encrypt(password)
		if err != nil {
			return err
		}
		p.PasswordEnc = enc
	}
	if err := s.db.WithContext(ctx).Save(&p).Error; err != nil {
		return fmt.Errorf("update profile %s: %w", p.ID, err)
	}
	return nil
}

// DeleteProfile removes a profile and its group memberships.
func (s *Store) DeleteProfile(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&GroupMember{}, "profile_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&Profile{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("profile %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// ListGroups returns all launch groups with members preloaded.
func (s *Store) ListGroups(ctx context.Context) ([]LaunchGroup, error) {
	var groups []LaunchGroup
	if err := s.db.WithContext(ctx).Preload("Members").Order("sort_order, id").Find(&groups).Error; err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return groups, nil
}

// GetGroup returns one group with members preloaded.
func (s *Store) GetGroup(ctx context.Context, id uint) (LaunchGroup, error) {
	var g LaunchGroup
	if err := s.db.WithContext(ctx).Preload("Members").First(&g, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return LaunchGroup{}, fmt.Errorf("group %d: %w", id, ErrNotFound)
		}
		return LaunchGroup{}, err
	}
	return g, nil
}

// CreateGroup stores a new group with the given ordered member profiles.
func (s *Store) CreateGroup(ctx context.Context, g LaunchGroup, memberIDs []string) (LaunchGroup, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range memberIDs {
			var count int64
			tx.Model(&Profile{}).Where("id = ?", id).Count(&count)
			if count == 0 {
				return fmt.Errorf("member profile %s: %w", id, ErrNotFound)
			}
		}
		if err := tx.Create(&g).Error; err != nil {
			return fmt.Errorf("create group %s: %w", g.Name, err)
		}
		for i, id := range memberIDs {
			member := GroupMember{GroupID: g.ID, ProfileID: id, Position: i}
			if err := tx.Create(&member).Error; err != nil {
				return fmt.Errorf("add member %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return LaunchGroup{}, err
	}
	return s.GetGroup(ctx, g.ID)
}

// DeleteGroup removes a group and its membership rows.
func (s *Store) DeleteGroup(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&GroupMember{}, "group_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&LaunchGroup{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("group %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

// GroupMemberIDs returns the group's member profile IDs in launch order.
func (s *Store) GroupMemberIDs(ctx context.Context, id uint) ([]session.ProfileID, error) {
	var members []GroupMember
	if err := s.db.WithContext(ctx).Where("group_id = ?", id).Order("position").Find(&members).Error; err != nil {
		return nil, fmt.Errorf("load group %d members: %w", id, err)
	}
	ids := make([]session.ProfileID, 0, len(members))
	for _, m := range members {
		ids = append(ids, session.ProfileID(m.ProfileID))
	}
	return ids, nil
}
