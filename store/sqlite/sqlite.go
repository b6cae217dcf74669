/*
Package sqlite provides a SQLite-backed implementation of the engine's
storage contracts.

PURPOSE:
  Implements RuleStore, RepStore, OrderReader, RecordStore, and AuditLog
  using SQLite. In production the same patterns apply to PostgreSQL - only
  minor SQL dialect differences.

KEY TABLES:
  eligibility_rules:   Soft-deactivated eligibility rule versions
  commission_rules:    Effective-dated commission rule versions (tiers as JSON)
  sales_reps:          The rep hierarchy (parent_rep_id forms a forest)
  attribution_links:   Provider/facility/order -> rep, effective-dated
  orders:              Read-only order snapshots (line items as JSON)
  commission_records:  One row per earning party per computation
  audit_entries:       Append-only mutation trail

RECORD IMMUTABILITY:
  commission_records has no DELETE path. A partial unique index enforces
  at most one non-reversed record per (order_id, rep_id) at the database
  level, backstopping the ledger's reverse-and-replace contract. Status
  changes go through a conditional UPDATE (WHERE status = ?) so concurrent
  transitions cannot race past the state machine.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  multiple readers don't block, single writer at a time, better crash
  recovery.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper migration
  tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/commission-engine/engine"
)

// Store implements all storage contracts using SQLite.
type Store struct {
	db *sql.DB
}

// Compile-time interface checks.
var (
	_ engine.RuleStore   = (*Store)(nil)
	_ engine.RepStore    = (*Store)(nil)
	_ engine.OrderReader = (*Store)(nil)
	_ engine.RecordStore = (*Store)(nil)
	_ engine.AuditLog    = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps :memory: databases and the WAL writer sane.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Reset clears all data. Used by scenario loading; never call in production.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{
		"audit_entries",
		"commission_records",
		"orders",
		"attribution_links",
		"sales_reps",
		"commission_rules",
		"eligibility_rules",
	}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("failed to reset table %s: %w", t, err)
		}
	}
	return nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS eligibility_rules (
		id TEXT PRIMARY KEY,
		insurance_type TEXT NOT NULL,
		state_code TEXT,
		wound_size_min TEXT,
		wound_size_max TEXT,
		allowed_codes_json TEXT NOT NULL,
		requires_consultation INTEGER NOT NULL DEFAULT 0,
		message TEXT,
		is_active INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_eligibility_insurance
		ON eligibility_rules(insurance_type) WHERE is_active = 1;

	CREATE TABLE IF NOT EXISTS commission_rules (
		id TEXT PRIMARY KEY,
		target_type TEXT NOT NULL,
		target_id TEXT NOT NULL,
		rate_type TEXT NOT NULL,
		base_rate TEXT,
		tiers_json TEXT,
		valid_from TEXT NOT NULL,
		valid_to TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_commission_rules_target
		ON commission_rules(target_type, target_id, valid_from);

	CREATE TABLE IF NOT EXISTS sales_reps (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		parent_rep_id TEXT,
		commission_rate_direct TEXT NOT NULL DEFAULT '0',
		sub_rep_parent_share TEXT NOT NULL DEFAULT '0',
		is_active INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_reps_parent
		ON sales_reps(parent_rep_id) WHERE parent_rep_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS attribution_links (
		id TEXT PRIMARY KEY,
		subject_type TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		rep_id TEXT NOT NULL,
		effective_from TEXT NOT NULL,
		effective_to TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_links_subject
		ON attribution_links(subject_type, subject_id, effective_from);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		facility_id TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		total_value TEXT NOT NULL,
		line_items_json TEXT NOT NULL,
		service_date TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS commission_records (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		rep_id TEXT NOT NULL,
		parent_rep_id TEXT,
		rule_id TEXT NOT NULL,
		base_amount TEXT NOT NULL,
		commission_amount TEXT NOT NULL,
		split_type TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		approved_at TEXT,
		paid_at TEXT,
		reversed_at TEXT,
		metadata_json TEXT
	);

	-- CRITICAL: at most one non-reversed record per (order, rep).
	-- Recomputation must reverse-and-replace, never duplicate.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_active_record
		ON commission_records(order_id, rep_id)
		WHERE status != 'reversed';

	CREATE INDEX IF NOT EXISTS idx_records_order
		ON commission_records(order_id);
	CREATE INDEX IF NOT EXISTS idx_records_rep
		ON commission_records(rep_id);
	CREATE INDEX IF NOT EXISTS idx_records_status
		ON commission_records(status);

	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		order_id TEXT,
		record_id TEXT,
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_order
		ON audit_entries(order_id) WHERE order_id IS NOT NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// RULE STORE
// =============================================================================

// SaveEligibilityRule validates and upserts a rule. Administrative load path.
func (s *Store) SaveEligibilityRule(ctx context.Context, rule engine.EligibilityRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	codes, err := json.Marshal(rule.AllowedProductCodes)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO eligibility_rules
			(id, insurance_type, state_code, wound_size_min, wound_size_max,
			 allowed_codes_json, requires_consultation, message, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			insurance_type = excluded.insurance_type,
			state_code = excluded.state_code,
			wound_size_min = excluded.wound_size_min,
			wound_size_max = excluded.wound_size_max,
			allowed_codes_json = excluded.allowed_codes_json,
			requires_consultation = excluded.requires_consultation,
			message = excluded.message,
			is_active = excluded.is_active
	`,
		rule.ID, rule.InsuranceType, nullString(rule.StateCode),
		nullDecimal(rule.WoundSizeMin), nullDecimal(rule.WoundSizeMax),
		string(codes), boolInt(rule.RequiresConsultation), rule.Message, boolInt(rule.IsActive),
	)
	return err
}

// DeactivateEligibilityRule soft-deactivates a rule; historical resolutions
// stay auditable because the row remains.
func (s *Store) DeactivateEligibilityRule(ctx context.Context, id engine.RuleID) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE eligibility_rules SET is_active = 0 WHERE id = ?", id)
	return err
}

func (s *Store) EligibilityRules(ctx context.Context, insuranceType engine.InsuranceType) ([]engine.EligibilityRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, insurance_type, state_code, wound_size_min, wound_size_max,
		       allowed_codes_json, requires_consultation, message, is_active
		FROM eligibility_rules
		WHERE insurance_type = ? AND is_active = 1
		ORDER BY id
	`, insuranceType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []engine.EligibilityRule
	for rows.Next() {
		var (
			r         engine.EligibilityRule
			state     sql.NullString
			sizeMin   sql.NullString
			sizeMax   sql.NullString
			codesJSON string
			consult   int
			active    int
			message   sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.InsuranceType, &state, &sizeMin, &sizeMax,
			&codesJSON, &consult, &message, &active); err != nil {
			return nil, err
		}
		if state.Valid {
			v := state.String
			r.StateCode = &v
		}
		r.WoundSizeMin = parseNullDecimal(sizeMin)
		r.WoundSizeMax = parseNullDecimal(sizeMax)
		if err := json.Unmarshal([]byte(codesJSON), &r.AllowedProductCodes); err != nil {
			return nil, err
		}
		r.RequiresConsultation = consult != 0
		r.Message = message.String
		r.IsActive = active != 0
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// SaveCommissionRule validates and upserts a rule version. Rate changes
// create new rule rows with non-overlapping validity windows.
func (s *Store) SaveCommissionRule(ctx context.Context, rule engine.CommissionRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	var tiersJSON sql.NullString
	if len(rule.Tiers) > 0 {
		b, err := json.Marshal(tiersToJSON(rule.Tiers))
		if err != nil {
			return err
		}
		tiersJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commission_rules
			(id, target_type, target_id, rate_type, base_rate, tiers_json, valid_from, valid_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			target_type = excluded.target_type,
			target_id = excluded.target_id,
			rate_type = excluded.rate_type,
			base_rate = excluded.base_rate,
			tiers_json = excluded.tiers_json,
			valid_from = excluded.valid_from,
			valid_to = excluded.valid_to
	`,
		rule.ID, rule.TargetType, rule.TargetID, rule.RateType,
		nullDecimal(rule.BaseRate), tiersJSON,
		rule.ValidFrom.UTC().Format(time.RFC3339), nullTime(rule.ValidTo),
	)
	return err
}

func (s *Store) CommissionRule(ctx context.Context, targetType engine.TargetType, targetID string, asOf time.Time) (*engine.CommissionRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target_type, target_id, rate_type, base_rate, tiers_json, valid_from, valid_to
		FROM commission_rules
		WHERE target_type = ? AND target_id = ?
		ORDER BY valid_from DESC
	`, targetType, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		rule, err := scanCommissionRule(rows)
		if err != nil {
			return nil, err
		}
		if rule.ValidAt(asOf) {
			return &rule, nil
		}
	}
	return nil, rows.Err()
}

func scanCommissionRule(rows *sql.Rows) (engine.CommissionRule, error) {
	var (
		r         engine.CommissionRule
		baseRate  sql.NullString
		tiersJSON sql.NullString
		validFrom string
		validTo   sql.NullString
	)
	if err := rows.Scan(&r.ID, &r.TargetType, &r.TargetID, &r.RateType,
		&baseRate, &tiersJSON, &validFrom, &validTo); err != nil {
		return r, err
	}

	r.BaseRate = parseNullDecimal(baseRate)
	if tiersJSON.Valid && tiersJSON.String != "" {
		var tj []tierJSON
		if err := json.Unmarshal([]byte(tiersJSON.String), &tj); err != nil {
			return r, err
		}
		tiers, err := tiersFromJSON(tj)
		if err != nil {
			return r, err
		}
		r.Tiers = tiers
	}

	t, err := time.Parse(time.RFC3339, validFrom)
	if err != nil {
		return r, fmt.Errorf("failed to parse valid_from: %w", err)
	}
	r.ValidFrom = t
	if validTo.Valid {
		t, err := time.Parse(time.RFC3339, validTo.String)
		if err != nil {
			return r, fmt.Errorf("failed to parse valid_to: %w", err)
		}
		r.ValidTo = &t
	}
	return r, nil
}

// tierJSON stores decimals as strings to avoid float round-trips.
type tierJSON struct {
	Min  string  `json:"min"`
	Max  *string `json:"max,omitempty"`
	Rate string  `json:"rate"`
}

func tiersToJSON(tiers []engine.Tier) []tierJSON {
	out := make([]tierJSON, len(tiers))
	for i, t := range tiers {
		out[i] = tierJSON{Min: t.Min.String(), Rate: t.Rate.String()}
		if t.Max != nil {
			v := t.Max.String()
			out[i].Max = &v
		}
	}
	return out
}

func tiersFromJSON(tj []tierJSON) ([]engine.Tier, error) {
	tiers := make([]engine.Tier, len(tj))
	for i, t := range tj {
		min, err := decimal.NewFromString(t.Min)
		if err != nil {
			return nil, err
		}
		rate, err := decimal.NewFromString(t.Rate)
		if err != nil {
			return nil, err
		}
		tiers[i] = engine.Tier{Min: min, Rate: rate}
		if t.Max != nil {
			max, err := decimal.NewFromString(*t.Max)
			if err != nil {
				return nil, err
			}
			tiers[i].Max = &max
		}
	}
	return tiers, nil
}

// =============================================================================
// REP STORE
// =============================================================================

func (s *Store) SaveRep(ctx context.Context, rep engine.SalesRep) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sales_reps
			(id, user_id, parent_rep_id, commission_rate_direct, sub_rep_parent_share, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			parent_rep_id = excluded.parent_rep_id,
			commission_rate_direct = excluded.commission_rate_direct,
			sub_rep_parent_share = excluded.sub_rep_parent_share,
			is_active = excluded.is_active
	`,
		rep.ID, rep.UserID, nullRepID(rep.ParentRepID),
		rep.CommissionRateDirect.String(), rep.SubRepParentSharePercentage.String(),
		boolInt(rep.IsActive),
	)
	return err
}

func (s *Store) Rep(ctx context.Context, id engine.RepID) (*engine.SalesRep, error) {
	var (
		rep      engine.SalesRep
		parent   sql.NullString
		rateStr  string
		shareStr string
		active   int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, parent_rep_id, commission_rate_direct, sub_rep_parent_share, is_active
		FROM sales_reps WHERE id = ?
	`, id).Scan(&rep.ID, &rep.UserID, &parent, &rateStr, &shareStr, &active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if parent.Valid {
		p := engine.RepID(parent.String)
		rep.ParentRepID = &p
	}
	rep.CommissionRateDirect, err = decimal.NewFromString(rateStr)
	if err != nil {
		return nil, err
	}
	rep.SubRepParentSharePercentage, err = decimal.NewFromString(shareStr)
	if err != nil {
		return nil, err
	}
	rep.IsActive = active != 0
	return &rep, nil
}

func (s *Store) SaveLink(ctx context.Context, link engine.AttributionLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attribution_links
			(id, subject_type, subject_id, rep_id, effective_from, effective_to)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			subject_type = excluded.subject_type,
			subject_id = excluded.subject_id,
			rep_id = excluded.rep_id,
			effective_from = excluded.effective_from,
			effective_to = excluded.effective_to
	`,
		link.ID, link.SubjectType, link.SubjectID, link.RepID,
		link.EffectiveFrom.UTC().Format(time.RFC3339), nullTime(link.EffectiveTo),
	)
	return err
}

func (s *Store) ActiveProviderLink(ctx context.Context, providerID engine.ProviderID, asOf time.Time) (*engine.AttributionLink, error) {
	return s.activeLink(ctx, engine.SubjectProvider, string(providerID), asOf)
}

func (s *Store) ActiveFacilityLink(ctx context.Context, facilityID engine.FacilityID, asOf time.Time) (*engine.AttributionLink, error) {
	return s.activeLink(ctx, engine.SubjectFacility, string(facilityID), asOf)
}

func (s *Store) OrderOverride(ctx context.Context, orderID engine.OrderID) (*engine.AttributionLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_type, subject_id, rep_id, effective_from, effective_to
		FROM attribution_links
		WHERE subject_type = ? AND subject_id = ?
	`, engine.SubjectOrder, string(orderID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	link, err := scanLink(rows)
	if err != nil {
		return nil, err
	}
	return &link, nil
}

func (s *Store) activeLink(ctx context.Context, subject engine.SubjectType, subjectID string, asOf time.Time) (*engine.AttributionLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_type, subject_id, rep_id, effective_from, effective_to
		FROM attribution_links
		WHERE subject_type = ? AND subject_id = ?
		ORDER BY effective_from DESC
	`, subject, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		if link.ActiveAt(asOf) {
			return &link, nil
		}
	}
	return nil, rows.Err()
}

func scanLink(rows *sql.Rows) (engine.AttributionLink, error) {
	var (
		link engine.AttributionLink
		from string
		to   sql.NullString
	)
	if err := rows.Scan(&link.ID, &link.SubjectType, &link.SubjectID, &link.RepID, &from, &to); err != nil {
		return link, err
	}
	t, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return link, err
	}
	link.EffectiveFrom = t
	if to.Valid {
		t, err := time.Parse(time.RFC3339, to.String)
		if err != nil {
			return link, err
		}
		link.EffectiveTo = &t
	}
	return link, nil
}

// =============================================================================
// ORDER READER
// =============================================================================

type lineItemJSON struct {
	ProductID      string `json:"product_id"`
	ManufacturerID string `json:"manufacturer_id"`
	Category       string `json:"category"`
	LineTotal      string `json:"line_total"`
}

// SaveOrder persists an order snapshot for the engine to read. The order
// remains owned by the surrounding order-management system.
func (s *Store) SaveOrder(ctx context.Context, order engine.Order) error {
	items := make([]lineItemJSON, len(order.LineItems))
	for i, li := range order.LineItems {
		items[i] = lineItemJSON{
			ProductID:      li.ProductID,
			ManufacturerID: li.ManufacturerID,
			Category:       li.Category,
			LineTotal:      li.LineTotal.Value.String(),
		}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (id, facility_id, provider_id, total_value, line_items_json, service_date)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			facility_id = excluded.facility_id,
			provider_id = excluded.provider_id,
			total_value = excluded.total_value,
			line_items_json = excluded.line_items_json,
			service_date = excluded.service_date
	`,
		order.ID, order.FacilityID, order.ProviderID,
		order.TotalValue.Value.String(), string(itemsJSON),
		order.ServiceDate.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) Order(ctx context.Context, id engine.OrderID) (*engine.Order, error) {
	var (
		order       engine.Order
		totalStr    string
		itemsJSON   string
		serviceDate string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, facility_id, provider_id, total_value, line_items_json, service_date
		FROM orders WHERE id = ?
	`, id).Scan(&order.ID, &order.FacilityID, &order.ProviderID, &totalStr, &itemsJSON, &serviceDate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	order.TotalValue = engine.MustParseMoney(totalStr)
	t, err := time.Parse(time.RFC3339, serviceDate)
	if err != nil {
		return nil, err
	}
	order.ServiceDate = t

	var items []lineItemJSON
	if err := json.Unmarshal([]byte(itemsJSON), &items); err != nil {
		return nil, err
	}
	for _, li := range items {
		order.LineItems = append(order.LineItems, engine.LineItem{
			ProductID:      li.ProductID,
			ManufacturerID: li.ManufacturerID,
			Category:       li.Category,
			LineTotal:      engine.MustParseMoney(li.LineTotal),
		})
	}
	return &order, nil
}

// UncommissionedOrders returns IDs of orders that have no non-reversed
// commission record and no unattributed or rule-gap audit note. These are
// the orders the sweep scheduler picks up.
func (s *Store) UncommissionedOrders(ctx context.Context) ([]engine.OrderID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id FROM orders o
		WHERE NOT EXISTS (
			SELECT 1 FROM commission_records cr
			WHERE cr.order_id = o.id AND cr.status != 'reversed'
		)
		AND NOT EXISTS (
			SELECT 1 FROM audit_entries ae
			WHERE ae.order_id = o.id AND ae.action IN ('unattributed_order', 'rule_gap')
		)
		ORDER BY o.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []engine.OrderID
	for rows.Next() {
		var id engine.OrderID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// RECORD STORE
// =============================================================================

func (s *Store) Insert(ctx context.Context, rec engine.CommissionRecord) error {
	return s.insertTx(ctx, s.db, rec)
}

// InsertBatch persists records atomically: all or none.
func (s *Store) InsertBatch(ctx context.Context, recs []engine.CommissionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range recs {
		if err := s.insertTx(ctx, tx, rec); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertTx(ctx context.Context, db execer, rec engine.CommissionRecord) error {
	var metaJSON sql.NullString
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return err
		}
		metaJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO commission_records
			(id, order_id, rep_id, parent_rep_id, rule_id, base_amount,
			 commission_amount, split_type, status, created_at,
			 approved_at, paid_at, reversed_at, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.OrderID, rec.RepID, nullRepID(rec.ParentRepID), rec.RuleID,
		rec.BaseAmount.Value.String(), rec.CommissionAmount.Value.String(),
		rec.SplitType, rec.Status, rec.CreatedAt.UTC().Format(time.RFC3339),
		nullTime(rec.ApprovedAt), nullTime(rec.PaidAt), nullTime(rec.ReversedAt),
		metaJSON,
	)
	return err
}

func (s *Store) Record(ctx context.Context, id engine.RecordID) (*engine.CommissionRecord, error) {
	recs, err := s.queryRecords(ctx, recordSelect+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

func (s *Store) ByOrder(ctx context.Context, orderID engine.OrderID) ([]engine.CommissionRecord, error) {
	return s.queryRecords(ctx, recordSelect+" WHERE order_id = ? ORDER BY created_at, id", orderID)
}

func (s *Store) ByRep(ctx context.Context, repID engine.RepID) ([]engine.CommissionRecord, error) {
	return s.queryRecords(ctx, recordSelect+" WHERE rep_id = ? ORDER BY created_at, id", repID)
}

func (s *Store) ByStatus(ctx context.Context, status engine.RecordStatus) ([]engine.CommissionRecord, error) {
	return s.queryRecords(ctx, recordSelect+" WHERE status = ? ORDER BY created_at, id", status)
}

// UpdateStatus is a compare-and-swap on the status column. Zero rows
// affected means either the record is gone or another writer got there
// first; a follow-up read distinguishes the two.
func (s *Store) UpdateStatus(ctx context.Context, id engine.RecordID, from, to engine.RecordStatus, at time.Time) error {
	column := ""
	switch to {
	case engine.StatusApproved:
		column = "approved_at"
	case engine.StatusPaid:
		column = "paid_at"
	case engine.StatusReversed:
		column = "reversed_at"
	default:
		return fmt.Errorf("cannot transition into status %s: %w", to, engine.ErrInvalidTransition)
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE commission_records SET status = ?, %s = ? WHERE id = ? AND status = ?", column),
		to, at.UTC().Format(time.RFC3339), id, from,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		rec, err := s.Record(ctx, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return engine.ErrRecordNotFound
		}
		return engine.ErrConcurrentModification
	}
	return nil
}

const recordSelect = `
	SELECT id, order_id, rep_id, parent_rep_id, rule_id, base_amount,
	       commission_amount, split_type, status, created_at,
	       approved_at, paid_at, reversed_at, metadata_json
	FROM commission_records`

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]engine.CommissionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query commission records: %w", err)
	}
	defer rows.Close()

	var records []engine.CommissionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanRecord(rows *sql.Rows) (engine.CommissionRecord, error) {
	var (
		rec        engine.CommissionRecord
		parent     sql.NullString
		baseStr    string
		amountStr  string
		createdAt  string
		approvedAt sql.NullString
		paidAt     sql.NullString
		reversedAt sql.NullString
		metaJSON   sql.NullString
	)
	err := rows.Scan(&rec.ID, &rec.OrderID, &rec.RepID, &parent, &rec.RuleID,
		&baseStr, &amountStr, &rec.SplitType, &rec.Status, &createdAt,
		&approvedAt, &paidAt, &reversedAt, &metaJSON)
	if err != nil {
		return rec, fmt.Errorf("failed to scan commission record: %w", err)
	}

	if parent.Valid {
		p := engine.RepID(parent.String)
		rec.ParentRepID = &p
	}
	rec.BaseAmount = engine.MustParseMoney(baseStr)
	rec.CommissionAmount = engine.MustParseMoney(amountStr)

	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.ApprovedAt = parseNullTime(approvedAt)
	rec.PaidAt = parseNullTime(paidAt)
	rec.ReversedAt = parseNullTime(reversedAt)

	if metaJSON.Valid && metaJSON.String != "" {
		json.Unmarshal([]byte(metaJSON.String), &rec.Metadata)
	}
	return rec, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) Append(ctx context.Context, entry engine.AuditEntry) error {
	var payloadJSON sql.NullString
	if len(entry.Payload) > 0 {
		b, err := json.Marshal(entry.Payload)
		if err != nil {
			return err
		}
		payloadJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, timestamp, actor_id, action, order_id, record_id, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID, entry.Timestamp.UTC().Format(time.RFC3339), entry.ActorID,
		entry.Action, string(entry.OrderID), string(entry.RecordID), payloadJSON,
	)
	return err
}

func (s *Store) Query(ctx context.Context, filter engine.AuditFilter) ([]engine.AuditEntry, error) {
	query := "SELECT id, timestamp, actor_id, action, order_id, record_id, payload_json FROM audit_entries WHERE 1=1"
	var args []any
	if filter.OrderID != nil {
		query += " AND order_id = ?"
		args = append(args, string(*filter.OrderID))
	}
	if filter.RecordID != nil {
		query += " AND record_id = ?"
		args = append(args, string(*filter.RecordID))
	}
	if filter.From != nil {
		query += " AND timestamp >= ?"
		args = append(args, filter.From.UTC().Format(time.RFC3339))
	}
	if filter.To != nil {
		query += " AND timestamp <= ?"
		args = append(args, filter.To.UTC().Format(time.RFC3339))
	}
	query += " ORDER BY timestamp, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []engine.AuditEntry
	for rows.Next() {
		var (
			e           engine.AuditEntry
			ts          string
			orderID     sql.NullString
			recordID    sql.NullString
			payloadJSON sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.ActorID, &e.Action, &orderID, &recordID, &payloadJSON); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339, ts)
		e.OrderID = engine.OrderID(orderID.String)
		e.RecordID = engine.RecordID(recordID.String)
		if payloadJSON.Valid && payloadJSON.String != "" {
			json.Unmarshal([]byte(payloadJSON.String), &e.Payload)
		}
		if !matchesActions(filter.Actions, e.Action) {
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func matchesActions(actions []engine.AuditAction, a engine.AuditAction) bool {
	if len(actions) == 0 {
		return true
	}
	for _, candidate := range actions {
		if candidate == a {
			return true
		}
	}
	return false
}

// =============================================================================
// SCAN/FORMAT HELPERS
// =============================================================================

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullRepID(id *engine.RepID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(s sql.NullString) *decimal.Decimal {
	if !s.Valid || s.String == "" {
		return nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil
	}
	return &d
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}
