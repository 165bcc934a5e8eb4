package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// Profile is the local account row: display name and avatar with their
// gossip version counters.
type Profile struct {
	Email         string
	Name          string
	Avatar        string
	NameVersion   int64
	AvatarVersion int64
}

// LocalProfile loads the local profile, returning an empty profile when
// none has been saved yet.
func (s *Store) LocalProfile() (*Profile, error) {
	row := s.db.QueryRow(
		`SELECT email, name, avatar, name_version, avatar_version FROM me WHERE id = 1`)
	p := &Profile{}
	err := row.Scan(&p.Email, &p.Name, &p.Avatar, &p.NameVersion, &p.AvatarVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return &Profile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading profile: %w", err)
	}
	return p, nil
}

// SaveLocalProfile writes the local profile row.
func (s *Store) SaveLocalProfile(p *Profile) error {
	_, err := s.db.Exec(
		`INSERT INTO me (id, email, name, avatar, name_version, avatar_version)
		 VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			name = excluded.name,
			avatar = excluded.avatar,
			name_version = excluded.name_version,
			avatar_version = excluded.avatar_version`,
		p.Email, p.Name, p.Avatar, p.NameVersion, p.AvatarVersion)
	if err != nil {
		return fmt.Errorf("saving profile: %w", err)
	}
	return nil
}
