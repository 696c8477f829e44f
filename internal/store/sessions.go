package store

import "database/sql"

// SessionRecord is one row of the terminated-session secondary index. The
// JSON metadata file named by MetadataPath remains the source of truth;
// this table exists purely so the registry can list/filter/search past
// sessions without scanning the sessions directory (§11's domain-stack
// rationale for pulling in modernc.org/sqlite).
type SessionRecord struct {
	ID           string
	Alias        string
	OwnerID      string
	Visibility   string
	CreatedAtMS  int64
	EndedAtMS    int64
	ExitCode     int
	Title        string
	MetadataPath string
	LogPath      string
}

func (s *Store) InsertSession(r SessionRecord) error {
	alias := sql.NullString{String: r.Alias, Valid: r.Alias != ""}
	_, err := s.db.Exec(`
		INSERT INTO sessions_index
			(id, alias, owner_id, visibility, created_at_ms, ended_at_ms, exit_code, title, metadata_path, log_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			alias=excluded.alias, ended_at_ms=excluded.ended_at_ms, exit_code=excluded.exit_code,
			title=excluded.title, metadata_path=excluded.metadata_path, log_path=excluded.log_path
	`, r.ID, alias, r.OwnerID, r.Visibility, r.CreatedAtMS, r.EndedAtMS, r.ExitCode, r.Title, r.MetadataPath, r.LogPath)
	return err
}

func (s *Store) GetSession(id string) (SessionRecord, error) {
	var r SessionRecord
	var alias sql.NullString
	err := s.db.QueryRow(`
		SELECT id, alias, owner_id, visibility, created_at_ms, ended_at_ms, exit_code, title, metadata_path, log_path
		FROM sessions_index WHERE id = ?`, id).
		Scan(&r.ID, &alias, &r.OwnerID, &r.Visibility, &r.CreatedAtMS, &r.EndedAtMS, &r.ExitCode, &r.Title, &r.MetadataPath, &r.LogPath)
	if err != nil {
		return SessionRecord{}, err
	}
	r.Alias = alias.String
	return r, nil
}

func (s *Store) GetSessionByAlias(alias string) (SessionRecord, error) {
	var r SessionRecord
	var a sql.NullString
	err := s.db.QueryRow(`
		SELECT id, alias, owner_id, visibility, created_at_ms, ended_at_ms, exit_code, title, metadata_path, log_path
		FROM sessions_index WHERE alias = ?`, alias).
		Scan(&r.ID, &a, &r.OwnerID, &r.Visibility, &r.CreatedAtMS, &r.EndedAtMS, &r.ExitCode, &r.Title, &r.MetadataPath, &r.LogPath)
	if err != nil {
		return SessionRecord{}, err
	}
	r.Alias = a.String
	return r, nil
}

// ListSessions returns terminated sessions for an owner (or all owners, if
// ownerID is empty), most recently ended first.
func (s *Store) ListSessions(ownerID string, limit int) ([]SessionRecord, error) {
	var rows *sql.Rows
	var err error
	if ownerID != "" {
		rows, err = s.db.Query(`
			SELECT id, alias, owner_id, visibility, created_at_ms, ended_at_ms, exit_code, title, metadata_path, log_path
			FROM sessions_index WHERE owner_id = ? ORDER BY ended_at_ms DESC LIMIT ?`, ownerID, limit)
	} else {
		rows, err = s.db.Query(`
			SELECT id, alias, owner_id, visibility, created_at_ms, ended_at_ms, exit_code, title, metadata_path, log_path
			FROM sessions_index ORDER BY ended_at_ms DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		var alias sql.NullString
		if err := rows.Scan(&r.ID, &alias, &r.OwnerID, &r.Visibility, &r.CreatedAtMS, &r.EndedAtMS, &r.ExitCode, &r.Title, &r.MetadataPath, &r.LogPath); err != nil {
			return nil, err
		}
		r.Alias = alias.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSession(id string) error {
	_, err := s.db.Exec("DELETE FROM sessions_index WHERE id = ?", id)
	return err
}
