// Package policydb is the durable store behind the in-memory policy indexes.
//
// The engine never reads it on the decision path: rows are loaded once at
// startup and every later mutation is written behind through a Writer.
package policydb

import (
	"database/sql"
	"fmt"

	"grimm.is/appwall/internal/apps"
	"grimm.is/appwall/internal/domainrules"
	"grimm.is/appwall/internal/iprules"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/policy"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite policy database.
type DB struct {
	db     *sql.DB
	logger *logging.Logger
}

// Open opens or creates the policy database at path.
// Use ":memory:" for an in-memory database.
func Open(path string, logger *logging.Logger) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	return OpenWithDB(db, logger)
}

// OpenWithDB wraps an existing database connection.
func OpenWithDB(db *sql.DB, logger *logging.Logger) (*DB, error) {
	if logger == nil {
		logger = logging.Default()
	}
	pdb := &DB{db: db, logger: logger.WithComponent("policydb")}
	if err := pdb.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return pdb, nil
}

// SQL returns the underlying handle so other stores can keep their tables
// in the same file.
func (p *DB) SQL() *sql.DB { return p.db }

// Close closes the database connection.
func (p *DB) Close() error {
	return p.db.Close()
}

func (p *DB) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS app_policies (
			uid INTEGER PRIMARY KEY,
			firewall_mode TEXT NOT NULL DEFAULT 'none',
			connection_mode TEXT NOT NULL DEFAULT 'allow',
			modified_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS ip_rules (
			uid INTEGER NOT NULL,
			ip TEXT NOT NULL,
			port INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'none',
			proxy_id TEXT NOT NULL DEFAULT '',
			proxy_cc TEXT NOT NULL DEFAULT '',
			modified_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(uid, ip, port)
		);

		CREATE TABLE IF NOT EXISTS domain_rules (
			uid INTEGER NOT NULL,
			domain TEXT NOT NULL,
			domain_type TEXT NOT NULL DEFAULT 'exact',
			status TEXT NOT NULL DEFAULT 'none',
			proxy_id TEXT NOT NULL DEFAULT '',
			proxy_cc TEXT NOT NULL DEFAULT '',
			modified_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(uid, domain)
		);

		CREATE INDEX IF NOT EXISTS idx_ip_rules_uid ON ip_rules(uid);
		CREATE INDEX IF NOT EXISTS idx_ip_rules_cc ON ip_rules(proxy_cc);
		CREATE INDEX IF NOT EXISTS idx_domain_rules_uid ON domain_rules(uid);
		CREATE INDEX IF NOT EXISTS idx_domain_rules_cc ON domain_rules(proxy_cc);
	`
	_, err := p.db.Exec(schema)
	return err
}

// --- App policies ---

// PutAppPolicy inserts or replaces the row for ap.UID.
func (p *DB) PutAppPolicy(ap apps.AppPolicy) error {
	_, err := p.db.Exec(`
		INSERT INTO app_policies (uid, firewall_mode, connection_mode, modified_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
			firewall_mode = excluded.firewall_mode,
			connection_mode = excluded.connection_mode,
			modified_at = excluded.modified_at
	`, int(ap.UID), ap.FirewallMode.String(), ap.ConnectionMode.String(), ap.ModifiedAt)
	return err
}

// DeleteAppPolicy removes the row for uid. Missing rows are not an error.
func (p *DB) DeleteAppPolicy(uid policy.UID) error {
	_, err := p.db.Exec("DELETE FROM app_policies WHERE uid = ?", int(uid))
	return err
}

// LoadAppPolicies returns every stored app policy. Rows with unknown enum
// values are logged and skipped.
func (p *DB) LoadAppPolicies() ([]apps.AppPolicy, error) {
	rows, err := p.db.Query("SELECT uid, firewall_mode, connection_mode, modified_at FROM app_policies ORDER BY uid")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []apps.AppPolicy
	for rows.Next() {
		var (
			uid          int
			fwMode, conn string
			modified     sql.NullTime
		)
		if err := rows.Scan(&uid, &fwMode, &conn, &modified); err != nil {
			return nil, err
		}
		ap := apps.AppPolicy{UID: policy.UID(uid), ModifiedAt: modified.Time}
		if ap.FirewallMode, err = policy.ParseFirewallMode(fwMode); err != nil {
			p.logger.Warn("skipping app policy row", "uid", uid, "error", err)
			continue
		}
		if ap.ConnectionMode, err = policy.ParseConnectionMode(conn); err != nil {
			p.logger.Warn("skipping app policy row", "uid", uid, "error", err)
			continue
		}
		out = append(out, ap)
	}
	return out, rows.Err()
}

// --- IP rules ---

// PutIPRule inserts or replaces the row for r's key.
func (p *DB) PutIPRule(r iprules.Rule) error {
	_, err := p.db.Exec(`
		INSERT INTO ip_rules (uid, ip, port, status, proxy_id, proxy_cc, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid, ip, port) DO UPDATE SET
			status = excluded.status,
			proxy_id = excluded.proxy_id,
			proxy_cc = excluded.proxy_cc,
			modified_at = excluded.modified_at
	`, int(r.UID), r.IP, int(r.Port), r.Status.String(), r.ProxyID, r.ProxyCC, r.ModifiedAt)
	return err
}

// DeleteIPRule removes the row for k. Missing rows are not an error.
func (p *DB) DeleteIPRule(k iprules.Key) error {
	_, err := p.db.Exec("DELETE FROM ip_rules WHERE uid = ? AND ip = ? AND port = ?", int(k.UID), k.IP, int(k.Port))
	return err
}

// LoadIPRules returns every stored IP rule.
func (p *DB) LoadIPRules() ([]iprules.Rule, error) {
	rows, err := p.db.Query(`
		SELECT uid, ip, port, status, proxy_id, proxy_cc, modified_at
		FROM ip_rules ORDER BY uid, ip, port
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []iprules.Rule
	for rows.Next() {
		var (
			uid, port int
			r         iprules.Rule
			status    string
			modified  sql.NullTime
		)
		if err := rows.Scan(&uid, &r.IP, &port, &status, &r.ProxyID, &r.ProxyCC, &modified); err != nil {
			return nil, err
		}
		if port < 0 || port > 65535 {
			p.logger.Warn("skipping ip rule row", "uid", uid, "ip", r.IP, "port", port)
			continue
		}
		r.UID, r.Port, r.ModifiedAt = policy.UID(uid), uint16(port), modified.Time
		if r.Status, err = iprules.ParseStatus(status); err != nil {
			p.logger.Warn("skipping ip rule row", "uid", uid, "ip", r.IP, "error", err)
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Domain rules ---

// PutDomainRule inserts or replaces the row for r's key.
func (p *DB) PutDomainRule(r domainrules.Rule) error {
	_, err := p.db.Exec(`
		INSERT INTO domain_rules (uid, domain, domain_type, status, proxy_id, proxy_cc, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid, domain) DO UPDATE SET
			domain_type = excluded.domain_type,
			status = excluded.status,
			proxy_id = excluded.proxy_id,
			proxy_cc = excluded.proxy_cc,
			modified_at = excluded.modified_at
	`, int(r.UID), r.Domain, r.Type.String(), r.Status.String(), r.ProxyID, r.ProxyCC, r.ModifiedAt)
	return err
}

// DeleteDomainRule removes the row for k. Missing rows are not an error.
func (p *DB) DeleteDomainRule(k domainrules.Key) error {
	_, err := p.db.Exec("DELETE FROM domain_rules WHERE uid = ? AND domain = ?", int(k.UID), k.Domain)
	return err
}

// LoadDomainRules returns every stored domain rule.
func (p *DB) LoadDomainRules() ([]domainrules.Rule, error) {
	rows, err := p.db.Query(`
		SELECT uid, domain, domain_type, status, proxy_id, proxy_cc, modified_at
		FROM domain_rules ORDER BY uid, domain
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domainrules.Rule
	for rows.Next() {
		var (
			uid         int
			r           domainrules.Rule
			typ, status string
			modified    sql.NullTime
		)
		if err := rows.Scan(&uid, &r.Domain, &typ, &status, &r.ProxyID, &r.ProxyCC, &modified); err != nil {
			return nil, err
		}
		r.UID, r.ModifiedAt = policy.UID(uid), modified.Time
		if r.Type, err = domainrules.ParseType(typ); err != nil {
			p.logger.Warn("skipping domain rule row", "uid", uid, "domain", r.Domain, "error", err)
			continue
		}
		if r.Status, err = domainrules.ParseStatus(status); err != nil {
			p.logger.Warn("skipping domain rule row", "uid", uid, "domain", r.Domain, "error", err)
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Counts holds row counts per table.
type Counts struct {
	AppPolicies int64 `json:"app_policies"`
	IPRules     int64 `json:"ip_rules"`
	DomainRules int64 `json:"domain_rules"`
}

// Counts returns the number of rows in each table.
func (p *DB) Counts() (Counts, error) {
	var c Counts
	err := p.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM app_policies),
			(SELECT COUNT(*) FROM ip_rules),
			(SELECT COUNT(*) FROM domain_rules)
	`).Scan(&c.AppPolicies, &c.IPRules, &c.DomainRules)
	return c, err
}
