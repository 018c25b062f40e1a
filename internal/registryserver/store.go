// Package registryserver implements the registry HTTP surface (spec §4.I):
// OAuth-backed login and refresh-token rotation, CLI token management,
// content-addressed archive upload/download with SHA-256 verification and
// Range support, and package/recipe search — the server side of the
// contract internal/depservices.RegistryClient speaks.
package registryserver

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the registry's relational state: users, refresh/CLI tokens,
// packages, recipes, and archive metadata. Blob bytes themselves live
// behind the Storage abstraction (storage.go), not in this store.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS user (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	email      TEXT NOT NULL UNIQUE,
	pseudo     TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS refresh_token (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    INTEGER NOT NULL REFERENCES user(id),
	token_hash TEXT NOT NULL UNIQUE,
	revoked    INTEGER NOT NULL DEFAULT 0,
	expires_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_refresh_token_user ON refresh_token(user_id);

CREATE TABLE IF NOT EXISTS cli_token (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    INTEGER NOT NULL REFERENCES user(id),
	name       TEXT NOT NULL,
	token_hash TEXT NOT NULL UNIQUE,
	revoked    INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS package (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS recipe (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	package_id  INTEGER NOT NULL REFERENCES package(id),
	version     TEXT NOT NULL,
	revision    TEXT NOT NULL,
	archive_id  TEXT NOT NULL,
	script      BLOB,
	readme      TEXT,
	created_by  TEXT NOT NULL,
	created_at  DATETIME NOT NULL,
	UNIQUE(package_id, version, revision)
);

CREATE TABLE IF NOT EXISTS archive (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	kind        TEXT NOT NULL,
	created_by  TEXT NOT NULL,
	created_at  DATETIME NOT NULL,
	counter     INTEGER NOT NULL DEFAULT 0,
	upload_done INTEGER NOT NULL DEFAULT 0,
	sha256      TEXT NOT NULL DEFAULT '',
	size        INTEGER NOT NULL DEFAULT 0,
	blob_ref    TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_archive_name ON archive(name) WHERE upload_done = 1;

CREATE TABLE IF NOT EXISTS archive_file (
	archive_id TEXT NOT NULL REFERENCES archive(id),
	path       TEXT NOT NULL,
	size       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_archive_file_archive ON archive_file(archive_id);
`

// Open opens (creating if needed) the sqlite-backed store at connString and
// applies the schema. poolMaxSize bounds the connection pool the server's
// per-request handlers share — there is no other shared mutable state.
func Open(connString string, poolMaxSize int) (*Store, error) {
	db, err := sql.Open("sqlite", connString)
	if err != nil {
		return nil, fmt.Errorf("registryserver: open database: %w", err)
	}
	db.SetMaxOpenConns(poolMaxSize)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("registryserver: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the store's database handle.
func (s *Store) Close() error { return s.db.Close() }

// DatabaseStorage builds a Storage backed by this same store's database,
// for deployments that would rather not manage a separate blob volume.
func (s *Store) DatabaseStorage() (*DatabaseStorage, error) {
	return NewDatabaseStorage(s.db)
}

// User is a registered account, identified by the email its OAuth provider
// reported. Pseudo is the display name, disambiguated with a numeric
// suffix on collision.
type User struct {
	ID        int64
	Email     string
	Pseudo    string
	CreatedAt time.Time
}

// UpsertUser finds the user with email, creating one if none exists. On
// first creation, pseudo is disambiguated against existing pseudos by
// appending a numeric suffix ("alice", "alice2", "alice3", ...).
func (s *Store) UpsertUser(ctx context.Context, email, wantPseudo string) (User, error) {
	var u User
	row := s.db.QueryRowContext(ctx, `SELECT id, email, pseudo, created_at FROM user WHERE email = ?`, email)
	err := row.Scan(&u.ID, &u.Email, &u.Pseudo, &u.CreatedAt)
	if err == nil {
		return u, nil
	}
	if err != sql.ErrNoRows {
		return User{}, fmt.Errorf("registryserver: lookup user: %w", err)
	}

	pseudo, err := s.disambiguatePseudo(ctx, wantPseudo)
	if err != nil {
		return User{}, err
	}

	now := time.Now()
	res, err := s.db.ExecContext(ctx, `INSERT INTO user (email, pseudo, created_at) VALUES (?, ?, ?)`, email, pseudo, now)
	if err != nil {
		return User{}, fmt.Errorf("registryserver: insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return User{}, fmt.Errorf("registryserver: insert user: %w", err)
	}
	return User{ID: id, Email: email, Pseudo: pseudo, CreatedAt: now}, nil
}

func (s *Store) disambiguatePseudo(ctx context.Context, want string) (string, error) {
	candidate := want
	for suffix := 2; ; suffix++ {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM user WHERE pseudo = ?`, candidate).Scan(&exists)
		if err == sql.ErrNoRows {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("registryserver: check pseudo: %w", err)
		}
		candidate = fmt.Sprintf("%s%d", want, suffix)
	}
}

func (s *Store) userByID(ctx context.Context, id int64) (User, error) {
	var u User
	row := s.db.QueryRowContext(ctx, `SELECT id, email, pseudo, created_at FROM user WHERE id = ?`, id)
	if err := row.Scan(&u.ID, &u.Email, &u.Pseudo, &u.CreatedAt); err != nil {
		return User{}, err
	}
	return u, nil
}

// InsertRefreshToken records a newly issued refresh token's hash for userID.
func (s *Store) InsertRefreshToken(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_token (user_id, token_hash, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		userID, tokenHash, expiresAt, time.Now())
	if err != nil {
		return fmt.Errorf("registryserver: insert refresh token: %w", err)
	}
	return nil
}

type refreshTokenRow struct {
	ID        int64
	UserID    int64
	Revoked   bool
	ExpiresAt time.Time
}

func (s *Store) refreshTokenByHash(ctx context.Context, hash string) (refreshTokenRow, error) {
	var r refreshTokenRow
	row := s.db.QueryRowContext(ctx, `SELECT id, user_id, revoked, expires_at FROM refresh_token WHERE token_hash = ?`, hash)
	if err := row.Scan(&r.ID, &r.UserID, &r.Revoked, &r.ExpiresAt); err != nil {
		return refreshTokenRow{}, err
	}
	return r, nil
}

// RotateRefreshToken implements §4.I's reuse-detection rotation: presenting
// a valid, unexpired, unrevoked token revokes it and issues oldHash's
// replacement in the same transaction; presenting an already-revoked or
// expired token instead revokes every refresh token belonging to that
// token's owner and reports reuse so the caller can return 403.
func (s *Store) RotateRefreshToken(ctx context.Context, oldHash, newHash string, newExpiresAt time.Time) (userID int64, reuse bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("registryserver: begin rotate: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var r refreshTokenRow
	row := tx.QueryRowContext(ctx, `SELECT id, user_id, revoked, expires_at FROM refresh_token WHERE token_hash = ?`, oldHash)
	if err := row.Scan(&r.ID, &r.UserID, &r.Revoked, &r.ExpiresAt); err != nil {
		if err == sql.ErrNoRows {
			return 0, true, nil
		}
		return 0, false, fmt.Errorf("registryserver: lookup refresh token: %w", err)
	}

	if r.Revoked || time.Now().After(r.ExpiresAt) {
		if _, err := tx.ExecContext(ctx, `UPDATE refresh_token SET revoked = 1 WHERE user_id = ?`, r.UserID); err != nil {
			return 0, false, fmt.Errorf("registryserver: revoke all tokens: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, false, fmt.Errorf("registryserver: commit revoke-all: %w", err)
		}
		return r.UserID, true, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE refresh_token SET revoked = 1 WHERE id = ?`, r.ID); err != nil {
		return 0, false, fmt.Errorf("registryserver: revoke rotated token: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO refresh_token (user_id, token_hash, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		r.UserID, newHash, newExpiresAt, time.Now()); err != nil {
		return 0, false, fmt.Errorf("registryserver: insert rotated token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("registryserver: commit rotate: %w", err)
	}
	return r.UserID, false, nil
}

// CLIToken is one named personal-access token for scripted/CI use.
type CLIToken struct {
	ID        int64
	Name      string
	Revoked   bool
	CreatedAt time.Time
}

// InsertCLIToken records a newly minted CLI token's hash.
func (s *Store) InsertCLIToken(ctx context.Context, userID int64, name, tokenHash string) (CLIToken, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cli_token (user_id, name, token_hash, created_at) VALUES (?, ?, ?, ?)`,
		userID, name, tokenHash, now)
	if err != nil {
		return CLIToken{}, fmt.Errorf("registryserver: insert cli token: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return CLIToken{}, fmt.Errorf("registryserver: insert cli token: %w", err)
	}
	return CLIToken{ID: id, Name: name, CreatedAt: now}, nil
}

// ListCLITokens returns every CLI token belonging to userID, newest first,
// without their hashes: the raw token value is only ever visible at
// creation time.
func (s *Store) ListCLITokens(ctx context.Context, userID int64) ([]CLIToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, revoked, created_at FROM cli_token WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("registryserver: list cli tokens: %w", err)
	}
	defer rows.Close()

	var out []CLIToken
	for rows.Next() {
		var t CLIToken
		if err := rows.Scan(&t.ID, &t.Name, &t.Revoked, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("registryserver: scan cli token: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RevokeCLIToken marks id revoked, scoped to userID so one user cannot
// revoke another's token.
func (s *Store) RevokeCLIToken(ctx context.Context, userID, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE cli_token SET revoked = 1 WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("registryserver: revoke cli token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registryserver: revoke cli token: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) cliTokenUserByHash(ctx context.Context, hash string) (int64, error) {
	var userID int64
	var revoked bool
	row := s.db.QueryRowContext(ctx, `SELECT user_id, revoked FROM cli_token WHERE token_hash = ?`, hash)
	if err := row.Scan(&userID, &revoked); err != nil {
		return 0, err
	}
	if revoked {
		return 0, sql.ErrNoRows
	}
	return userID, nil
}

// CreateProvisionalArchive inserts a not-yet-uploaded archive row, the
// state an upload bearer token's subject refers to until StoreBlob finishes
// and FinalizeArchive flips upload_done.
func (s *Store) CreateProvisionalArchive(ctx context.Context, id, name, kind, createdBy string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO archive (id, name, kind, created_by, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, name, kind, createdBy, time.Now())
	if err != nil {
		return fmt.Errorf("registryserver: create provisional archive: %w", err)
	}
	return nil
}

// FinalizeArchive records the verified digest/size/blob_ref and flips
// upload_done, and indexes the archive's member files, all in one
// transaction: external visibility (GET /archive/:name) requires
// upload_done = true.
func (s *Store) FinalizeArchive(ctx context.Context, id, sha256Hex, blobRef string, size int64, files []ArchiveFile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registryserver: begin finalize: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`UPDATE archive SET upload_done = 1, sha256 = ?, size = ?, blob_ref = ? WHERE id = ?`,
		sha256Hex, size, blobRef, id); err != nil {
		return fmt.Errorf("registryserver: finalize archive: %w", err)
	}
	for _, f := range files {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO archive_file (archive_id, path, size) VALUES (?, ?, ?)`, id, f.Path, f.Size); err != nil {
			return fmt.Errorf("registryserver: index archive file %s: %w", f.Path, err)
		}
	}
	return tx.Commit()
}

// ArchiveFile is one regular file indexed out of an uploaded archive.
type ArchiveFile struct {
	Path string
	Size int64
}

// Archive is one archive row, provisional or finalized.
type Archive struct {
	ID         string
	Name       string
	Kind       string
	CreatedBy  string
	CreatedAt  time.Time
	Counter    int64
	UploadDone bool
	SHA256     string
	Size       int64
	BlobRef    string
}

func (s *Store) archiveByID(ctx context.Context, id string) (Archive, error) {
	return s.scanArchive(ctx, `SELECT id, name, kind, created_by, created_at, counter, upload_done, sha256, size, blob_ref FROM archive WHERE id = ?`, id)
}

// ArchiveByName returns the finalized archive whose content-addressed name
// matches name.
func (s *Store) ArchiveByName(ctx context.Context, name string) (Archive, error) {
	return s.scanArchive(ctx, `SELECT id, name, kind, created_by, created_at, counter, upload_done, sha256, size, blob_ref FROM archive WHERE name = ? AND upload_done = 1`, name)
}

func (s *Store) scanArchive(ctx context.Context, query string, arg any) (Archive, error) {
	var a Archive
	var uploadDone int
	row := s.db.QueryRowContext(ctx, query, arg)
	err := row.Scan(&a.ID, &a.Name, &a.Kind, &a.CreatedBy, &a.CreatedAt, &a.Counter, &uploadDone, &a.SHA256, &a.Size, &a.BlobRef)
	if err != nil {
		return Archive{}, err
	}
	a.UploadDone = uploadDone != 0
	return a, nil
}

// IncrementArchiveCounter bumps the download counter for a served archive.
func (s *Store) IncrementArchiveCounter(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE archive SET counter = counter + 1 WHERE id = ?`, id)
	return err
}

// DeleteExpiredProvisionalArchives removes archive rows still not
// upload_done whose upload bearer window (olderThan) has passed — the
// scheduled cleanup named in the concurrency model for abandoned uploads.
func (s *Store) DeleteExpiredProvisionalArchives(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM archive WHERE upload_done = 0 AND created_at < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("registryserver: sweep provisional archives: %w", err)
	}
	return res.RowsAffected()
}

// DeleteArchive removes a single archive row (used when digest
// verification fails mid-upload).
func (s *Store) DeleteArchive(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM archive WHERE id = ?`, id)
	return err
}

// UpsertPackage ensures a package row named name exists, returning its id.
func (s *Store) UpsertPackage(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM package WHERE name = ?`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("registryserver: lookup package: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO package (name, created_at) VALUES (?, ?)`, name, time.Now())
	if err != nil {
		return 0, fmt.Errorf("registryserver: insert package: %w", err)
	}
	return res.LastInsertId()
}

// RecipeRow is one published (version, revision) of a package.
type RecipeRow struct {
	Version   string
	Revision  string
	ArchiveID string
	Script    []byte
	Readme    string
	CreatedBy string
	CreatedAt time.Time
}

// InsertRecipe records a newly published recipe version/revision.
func (s *Store) InsertRecipe(ctx context.Context, packageID int64, r RecipeRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipe (package_id, version, revision, archive_id, script, readme, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		packageID, r.Version, r.Revision, r.ArchiveID, r.Script, r.Readme, r.CreatedBy, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("registryserver: insert recipe: %w", err)
	}
	return nil
}

// Versions returns every published (version, revision) of name, newest first.
func (s *Store) Versions(ctx context.Context, name string) ([]VersionEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.version, r.revision, r.created_at, r.created_by
		FROM recipe r JOIN package p ON p.id = r.package_id
		WHERE p.name = ?
		ORDER BY r.created_at DESC`, name)
	if err != nil {
		return nil, fmt.Errorf("registryserver: query versions: %w", err)
	}
	defer rows.Close()

	var out []VersionEntry
	for rows.Next() {
		var e VersionEntry
		var createdAt time.Time
		if err := rows.Scan(&e.Version, &e.Revision, &createdAt, &e.CreatedBy); err != nil {
			return nil, fmt.Errorf("registryserver: scan version: %w", err)
		}
		e.CreatedAt = createdAt.UTC().Format(time.RFC3339)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecipeArchive returns the version, revision, archive id, creator and
// creation time recorded for (name, version, revision), used to serve
// GET /v1/packages/:pack/recipes/:version.
func (s *Store) RecipeArchive(ctx context.Context, name, version, revision string) (RecipeRow, error) {
	var r RecipeRow
	row := s.db.QueryRowContext(ctx, `
		SELECT r.version, r.revision, r.archive_id, r.created_by, r.created_at
		FROM recipe r JOIN package p ON p.id = r.package_id
		WHERE p.name = ? AND r.version = ? AND r.revision = ?`, name, version, revision)
	if err := row.Scan(&r.Version, &r.Revision, &r.ArchiveID, &r.CreatedBy, &r.CreatedAt); err != nil {
		return RecipeRow{}, err
	}
	return r, nil
}

// SearchPackages implements GET /v1/packages's catalog query.
func (s *Store) SearchPackages(ctx context.Context, opts SearchOptions) ([]SearchEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM package ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("registryserver: query packages: %w", err)
	}
	type pkgRow struct {
		id   int64
		name string
	}
	var pkgs []pkgRow
	for rows.Next() {
		var p pkgRow
		if err := rows.Scan(&p.id, &p.name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("registryserver: scan package: %w", err)
		}
		pkgs = append(pkgs, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	matcher, err := newNameMatcher(opts)
	if err != nil {
		return nil, err
	}

	var out []SearchEntry
	for _, p := range pkgs {
		if !matcher(p.name) {
			continue
		}
		versions, err := s.Versions(ctx, p.name)
		if err != nil {
			return nil, err
		}
		if len(versions) == 0 {
			continue
		}
		entry := SearchEntry{Name: p.name, LatestVersion: versions[0].Version}
		if opts.Extended {
			entry.Revisions = versions
		} else if opts.LatestOnly {
			entry.Revisions = versions[:1]
		} else {
			entry.Revisions = versions
		}
		out = append(out, entry)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}
