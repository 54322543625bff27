package mdmrepo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // register driver
	"github.com/pkg/errors"

	"github.com/santedb/mdm/internal/mdmconst"
	"github.com/santedb/mdm/internal/model"
)

// LegacyPQStore is the classic lib/pq-backed Store, kept for
// deployments that dial CockroachDB/Postgres through database/sql
// rather than pgx. Grounded on the teacher's original sink.go/
// resolved_table.go: those build their UPSERT statements column-by-column
// from a map rather than a fixed column list, which is the idiom this
// file generalizes from a single hardcoded sink table to the full
// mdm_record/mdm_relationship schema.
type LegacyPQStore struct {
	DB *sql.DB
}

var _ Store = (*LegacyPQStore)(nil)
var _ BundlePersister = (*LegacyPQStore)(nil)

// NewLegacyPQStore opens dataSourceName via lib/pq and pings it.
func NewLegacyPQStore(ctx context.Context, dataSourceName string) (*LegacyPQStore, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, errors.Wrap(err, "could not open legacy-pq connection")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "could not ping legacy-pq database")
	}
	return &LegacyPQStore{DB: db}, nil
}

// Close releases the underlying *sql.DB.
func (s *LegacyPQStore) Close() error { return s.DB.Close() }

func (s *LegacyPQStore) GetRecord(ctx context.Context, key model.Key) (*model.Record, error) {
	row := s.DB.QueryRowContext(ctx, pqSelectRecordSQL+" WHERE key = $1", uuid.UUID(key))
	return pqScanRecord(row)
}

func (s *LegacyPQStore) QueryRecords(ctx context.Context, q Query) (ResultCursor, error) {
	where, args := pqRecordWhere(q)
	sqlText := pqSelectRecordSQL
	if where != "" {
		sqlText += " WHERE " + where
	}
	if q.Take > 0 {
		sqlText += fmt.Sprintf(" LIMIT %d", q.Take)
		if q.Skip > 0 {
			sqlText += fmt.Sprintf(" OFFSET %d", q.Skip)
		}
	}
	rows, err := s.DB.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &pqRecordCursor{rows: rows}, nil
}

func (s *LegacyPQStore) InsertRecord(ctx context.Context, r *model.Record) error {
	return s.upsertRecordColumns(ctx, s.DB, r)
}

func (s *LegacyPQStore) UpdateRecord(ctx context.Context, r *model.Record) error {
	return s.upsertRecordColumns(ctx, s.DB, r)
}

type pqExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// upsertRecordColumns builds the UPSERT statement from a column map,
// mirroring sink.go's upsertRow: every field is named explicitly rather
// than relying on a fixed positional VALUES list, so a narrower row
// (fewer sub-objects populated) still upserts cleanly.
func (s *LegacyPQStore) upsertRecordColumns(ctx context.Context, ex pqExecer, r *model.Record) error {
	identifiers, _ := json.Marshal(r.Identifiers)
	names, _ := json.Marshal(r.Names)
	addresses, _ := json.Marshal(r.Addresses)
	telecoms, _ := json.Marshal(r.Telecoms)
	notes, _ := json.Marshal(r.Notes)
	participations, _ := json.Marshal(r.Participations)
	languageComm, _ := json.Marshal(r.LanguageCommunication)
	tags, _ := json.Marshal(r.Tags)

	columns := map[string]any{
		"key":                     uuid.UUID(r.Key),
		"class":                   uuid.UUID(r.Class),
		"determiner":              string(r.Determiner),
		"status":                  string(r.Status),
		"type":                    r.Type,
		"identifiers":             identifiers,
		"names":                   names,
		"addresses":               addresses,
		"telecoms":                telecoms,
		"notes":                   notes,
		"participations":          participations,
		"language_communication":  languageComm,
		"tags":                    tags,
		"provenance_application":  uuid.UUID(r.Provenance.ApplicationID),
		"provenance_device":       uuid.UUID(r.Provenance.DeviceID),
	}

	var colNames, placeholders []string
	var values []any
	i := 1
	for name, value := range columns {
		colNames = append(colNames, name)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i))
		values = append(values, value)
		i++
	}

	// UPSERT INTO replaces the whole row by primary key; CockroachDB and
	// the lib/pq driver both support it, so no ON CONFLICT clause is needed.
	stmt := fmt.Sprintf("UPSERT INTO mdm_record (%s) VALUES (%s)",
		strings.Join(colNames, ", "), strings.Join(placeholders, ", "))
	_, err := ex.ExecContext(ctx, stmt, values...)
	return errors.WithStack(err)
}

func (s *LegacyPQStore) DeleteRecord(ctx context.Context, key model.Key) error {
	_, err := s.DB.ExecContext(ctx, "DELETE FROM mdm_record WHERE key = $1", uuid.UUID(key))
	return errors.WithStack(err)
}

func (s *LegacyPQStore) GetRelationship(ctx context.Context, key model.Key) (*model.Relationship, error) {
	row := s.DB.QueryRowContext(ctx, pqSelectRelationshipSQL+" WHERE key = $1", uuid.UUID(key))
	return pqScanRelationship(row)
}

func (s *LegacyPQStore) QueryRelationships(ctx context.Context, q Query) ([]model.Relationship, error) {
	where, args := pqRelationshipWhere(q)
	sqlText := pqSelectRelationshipSQL
	if where != "" {
		sqlText += " WHERE " + where
	}
	rows, err := s.DB.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var out []model.Relationship
	for rows.Next() {
		rel, err := pqScanRelationshipRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rel)
	}
	return out, errors.WithStack(rows.Err())
}

func (s *LegacyPQStore) InsertRelationship(ctx context.Context, r *model.Relationship) error {
	return s.upsertRelationshipColumns(ctx, s.DB, r)
}

func (s *LegacyPQStore) UpdateRelationship(ctx context.Context, r *model.Relationship) error {
	return s.upsertRelationshipColumns(ctx, s.DB, r)
}

func (s *LegacyPQStore) upsertRelationshipColumns(ctx context.Context, ex pqExecer, r *model.Relationship) error {
	_, err := ex.ExecContext(ctx, `
UPSERT INTO mdm_relationship (key, source_key, target_key, relationship_type, classification, strength, obsolete_seq, batch_operation)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		uuid.UUID(r.Key), uuid.UUID(r.SourceKey), uuid.UUID(r.TargetKey),
		uuid.UUID(r.RelationshipType), uuid.UUID(r.Classification), r.Strength, r.ObsoleteSeq, int(r.BatchOperation))
	return errors.WithStack(err)
}

func (s *LegacyPQStore) DeleteRelationship(ctx context.Context, key model.Key) error {
	_, err := s.DB.ExecContext(ctx, "DELETE FROM mdm_relationship WHERE key = $1", uuid.UUID(key))
	return errors.WithStack(err)
}

// Commit implements BundlePersister: the ordered batch is applied
// inside one *sql.Tx, same all-or-nothing contract as the other two
// backends.
func (s *LegacyPQStore) Commit(ctx context.Context, instructions []model.Instruction) ([]model.Instruction, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer tx.Rollback()

	for _, instr := range instructions {
		if err := s.applyInstructionTx(ctx, tx, instr); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.WithStack(err)
	}
	return instructions, nil
}

func (s *LegacyPQStore) applyInstructionTx(ctx context.Context, tx *sql.Tx, instr model.Instruction) error {
	switch {
	case instr.Record != nil:
		return s.upsertRecordColumns(ctx, tx, instr.Record)
	case instr.DeleteRecordKey != nil:
		_, err := tx.ExecContext(ctx, "DELETE FROM mdm_record WHERE key = $1", uuid.UUID(*instr.DeleteRecordKey))
		return err
	case instr.Relationship != nil:
		if instr.Relationship.IsMarkedDelete() {
			_, err := tx.ExecContext(ctx, "DELETE FROM mdm_relationship WHERE key = $1", uuid.UUID(instr.Relationship.Key))
			return err
		}
		return s.upsertRelationshipColumns(ctx, tx, instr.Relationship)
	}
	return nil
}

const pqSelectRecordSQL = `SELECT key, class, determiner, status, type, identifiers, names, addresses, telecoms, notes,
	participations, language_communication, tags, provenance_application, provenance_device, created_at FROM mdm_record`

const pqSelectRelationshipSQL = `SELECT key, source_key, target_key, relationship_type, classification, strength, obsolete_seq, batch_operation FROM mdm_relationship`

func pqRecordWhere(q Query) (string, []any) {
	var clauses []string
	var args []any
	n := 1
	if q.Class != nil {
		clauses = append(clauses, fmt.Sprintf("class = $%d", n))
		args = append(args, uuid.UUID(*q.Class))
		n++
	}
	for _, f := range q.Fields {
		switch f.Path {
		case "type":
			clauses = append(clauses, fmt.Sprintf("type = $%d", n))
			args = append(args, f.Value)
			n++
		case "status":
			clauses = append(clauses, fmt.Sprintf("status = $%d", n))
			args = append(args, f.Value)
			n++
		}
	}
	return strings.Join(clauses, " AND "), args
}

func pqRelationshipWhere(q Query) (string, []any) {
	var clauses []string
	var args []any
	n := 1
	for _, f := range q.Fields {
		switch f.Path {
		case "source":
			clauses = append(clauses, fmt.Sprintf("source_key = $%d", n))
			args = append(args, uuid.UUID(f.Value.(model.Key)))
			n++
		case "target":
			clauses = append(clauses, fmt.Sprintf("target_key = $%d", n))
			args = append(args, uuid.UUID(f.Value.(model.Key)))
			n++
		}
	}
	return strings.Join(clauses, " AND "), args
}

type pqRowScanner interface {
	Scan(dest ...any) error
}

func pqScanRecord(row pqRowScanner) (*model.Record, error) {
	return pqScanRecordRow(row)
}

func pqScanRecordRow(row pqRowScanner) (*model.Record, error) {
	var (
		key, class                                     uuid.UUID
		determiner, status, recType                    string
		identifiers, names, addresses, telecoms, notes []byte
		participations, languageComm, tags             []byte
		provApp, provDevice                             uuid.UUID
		createdAt                                        sql.NullTime
	)
	if err := row.Scan(&key, &class, &determiner, &status, &recType, &identifiers, &names, &addresses,
		&telecoms, &notes, &participations, &languageComm, &tags, &provApp, &provDevice, &createdAt); err != nil {
		return nil, errors.WithStack(err)
	}
	rec := &model.Record{
		Key:        model.Key(key),
		Class:      model.Key(class),
		Determiner: model.Determiner(determiner),
		Status:     model.Status(status),
		Type:       recType,
		Provenance: model.Provenance{ApplicationID: model.Key(provApp), DeviceID: model.Key(provDevice)},
		CreatedAt:  createdAt.Time,
	}
	_ = json.Unmarshal(identifiers, &rec.Identifiers)
	_ = json.Unmarshal(names, &rec.Names)
	_ = json.Unmarshal(addresses, &rec.Addresses)
	_ = json.Unmarshal(telecoms, &rec.Telecoms)
	_ = json.Unmarshal(notes, &rec.Notes)
	_ = json.Unmarshal(participations, &rec.Participations)
	_ = json.Unmarshal(languageComm, &rec.LanguageCommunication)
	_ = json.Unmarshal(tags, &rec.Tags)
	return rec, nil
}

func pqScanRelationship(row pqRowScanner) (*model.Relationship, error) {
	return pqScanRelationshipRow(row)
}

func pqScanRelationshipRow(row pqRowScanner) (*model.Relationship, error) {
	var (
		key, source, target, relType, class uuid.UUID
		strength                             *float64
		obsoleteSeq                          *int64
		batchOp                              int
	)
	if err := row.Scan(&key, &source, &target, &relType, &class, &strength, &obsoleteSeq, &batchOp); err != nil {
		return nil, errors.WithStack(err)
	}
	return &model.Relationship{
		Key:              model.Key(key),
		SourceKey:        model.Key(source),
		TargetKey:        model.Key(target),
		RelationshipType: mdmconst.RelationshipType(relType),
		Classification:   mdmconst.Classification(class),
		Strength:         strength,
		ObsoleteSeq:      obsoleteSeq,
		BatchOperation:   model.BatchOperation(batchOp),
	}, nil
}

type pqRecordCursor struct {
	rows *sql.Rows
}

func (c *pqRecordCursor) Next(ctx context.Context) (*model.Record, error) {
	if !c.rows.Next() {
		return nil, errors.WithStack(c.rows.Err())
	}
	return pqScanRecordRow(c.rows)
}

func (c *pqRecordCursor) State() string { return "" }

func (c *pqRecordCursor) Close(ctx context.Context) error {
	return c.rows.Close()
}
