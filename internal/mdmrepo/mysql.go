package mdmrepo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "github.com/go-sql-driver/mysql" // register driver
	"github.com/pkg/errors"

	"github.com/santedb/mdm/internal/mdmconst"
	"github.com/santedb/mdm/internal/model"
)

// MySQLStore is the alternate Store backend for deployments standardized
// on MySQL/MariaDB rather than Postgres. Grounded on
// internal/util/stdpool/my.go's OpenMySQLAsTarget in the teacher: same
// sql_mode=ansi dial convention, generalized from a single staged
// connection into the full Store surface.
type MySQLStore struct {
	DB *sql.DB
}

var _ Store = (*MySQLStore)(nil)
var _ BundlePersister = (*MySQLStore)(nil)

// NewMySQLStore opens dataSourceName (expected to already carry
// sql_mode=ansi, per the teacher's dial convention) and pings it.
func NewMySQLStore(ctx context.Context, dataSourceName string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dataSourceName)
	if err != nil {
		return nil, errors.Wrap(err, "could not open mysql connection")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "could not ping mysql")
	}
	return &MySQLStore{DB: db}, nil
}

// Close releases the underlying *sql.DB.
func (s *MySQLStore) Close() error { return s.DB.Close() }

func (s *MySQLStore) GetRecord(ctx context.Context, key model.Key) (*model.Record, error) {
	row := s.DB.QueryRowContext(ctx, mysqlSelectRecordSQL+" WHERE `key` = ?", uuid.UUID(key).String())
	return mysqlScanRecord(row)
}

func (s *MySQLStore) QueryRecords(ctx context.Context, q Query) (ResultCursor, error) {
	where, args := mysqlRecordWhere(q)
	sqlText := mysqlSelectRecordSQL
	if where != "" {
		sqlText += " WHERE " + where
	}
	if len(q.Sort) > 0 {
		var order []string
		for _, s := range q.Sort {
			col := "created_at"
			switch s.Path {
			case "type", "status":
				col = s.Path
			}
			if s.Descending {
				col += " DESC"
			}
			order = append(order, col)
		}
		sqlText += " ORDER BY " + strings.Join(order, ", ")
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
	return &mysqlRecordCursor{rows: rows}, nil
}

func (s *MySQLStore) InsertRecord(ctx context.Context, r *model.Record) error {
	return s.execUpsertRecord(ctx, s.DB, r)
}

func (s *MySQLStore) UpdateRecord(ctx context.Context, r *model.Record) error {
	return s.execUpsertRecord(ctx, s.DB, r)
}

type mysqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *MySQLStore) execUpsertRecord(ctx context.Context, ex mysqlExecer, r *model.Record) error {
	identifiers, _ := json.Marshal(r.Identifiers)
	names, _ := json.Marshal(r.Names)
	addresses, _ := json.Marshal(r.Addresses)
	telecoms, _ := json.Marshal(r.Telecoms)
	notes, _ := json.Marshal(r.Notes)
	participations, _ := json.Marshal(r.Participations)
	languageComm, _ := json.Marshal(r.LanguageCommunication)
	tags, _ := json.Marshal(r.Tags)

	_, err := ex.ExecContext(ctx, `
INSERT INTO mdm_record (`+"`key`"+`, class, determiner, status, type, identifiers, names, addresses, telecoms, notes,
	participations, language_communication, tags, provenance_application, provenance_device, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?, now())
ON DUPLICATE KEY UPDATE
	class = VALUES(class), determiner = VALUES(determiner), status = VALUES(status), type = VALUES(type),
	identifiers = VALUES(identifiers), names = VALUES(names), addresses = VALUES(addresses),
	telecoms = VALUES(telecoms), notes = VALUES(notes), participations = VALUES(participations),
	language_communication = VALUES(language_communication), tags = VALUES(tags),
	provenance_application = VALUES(provenance_application), provenance_device = VALUES(provenance_device)`,
		uuid.UUID(r.Key).String(), uuid.UUID(r.Class).String(), string(r.Determiner), string(r.Status), r.Type,
		identifiers, names, addresses, telecoms, notes, participations, languageComm, tags,
		uuid.UUID(r.Provenance.ApplicationID).String(), uuid.UUID(r.Provenance.DeviceID).String())
	return errors.WithStack(err)
}

func (s *MySQLStore) DeleteRecord(ctx context.Context, key model.Key) error {
	_, err := s.DB.ExecContext(ctx, "DELETE FROM mdm_record WHERE `key` = ?", uuid.UUID(key).String())
	return errors.WithStack(err)
}

func (s *MySQLStore) GetRelationship(ctx context.Context, key model.Key) (*model.Relationship, error) {
	row := s.DB.QueryRowContext(ctx, mysqlSelectRelationshipSQL+" WHERE `key` = ?", uuid.UUID(key).String())
	return mysqlScanRelationship(row)
}

func (s *MySQLStore) QueryRelationships(ctx context.Context, q Query) ([]model.Relationship, error) {
	where, args := mysqlRelationshipWhere(q)
	sqlText := mysqlSelectRelationshipSQL
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
		rel, err := mysqlScanRelationshipRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rel)
	}
	return out, errors.WithStack(rows.Err())
}

func (s *MySQLStore) InsertRelationship(ctx context.Context, r *model.Relationship) error {
	return s.execUpsertRelationship(ctx, s.DB, r)
}

func (s *MySQLStore) UpdateRelationship(ctx context.Context, r *model.Relationship) error {
	return s.execUpsertRelationship(ctx, s.DB, r)
}

func (s *MySQLStore) execUpsertRelationship(ctx context.Context, ex mysqlExecer, r *model.Relationship) error {
	_, err := ex.ExecContext(ctx, `
INSERT INTO mdm_relationship (`+"`key`"+`, source_key, target_key, relationship_type, classification, strength, obsolete_seq, batch_operation)
VALUES (?,?,?,?,?,?,?,?)
ON DUPLICATE KEY UPDATE
	source_key = VALUES(source_key), target_key = VALUES(target_key),
	relationship_type = VALUES(relationship_type), classification = VALUES(classification),
	strength = VALUES(strength), obsolete_seq = VALUES(obsolete_seq), batch_operation = VALUES(batch_operation)`,
		uuid.UUID(r.Key).String(), uuid.UUID(r.SourceKey).String(), uuid.UUID(r.TargetKey).String(),
		uuid.UUID(r.RelationshipType).String(), uuid.UUID(r.Classification).String(), r.Strength, r.ObsoleteSeq, int(r.BatchOperation))
	return errors.WithStack(err)
}

func (s *MySQLStore) DeleteRelationship(ctx context.Context, key model.Key) error {
	_, err := s.DB.ExecContext(ctx, "DELETE FROM mdm_relationship WHERE `key` = ?", uuid.UUID(key).String())
	return errors.WithStack(err)
}

// Commit implements BundlePersister against MySQL, applying the whole
// ordered batch inside one *sql.Tx (§5).
func (s *MySQLStore) Commit(ctx context.Context, instructions []model.Instruction) ([]model.Instruction, error) {
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

func (s *MySQLStore) applyInstructionTx(ctx context.Context, tx *sql.Tx, instr model.Instruction) error {
	switch {
	case instr.Record != nil:
		return s.execUpsertRecord(ctx, tx, instr.Record)
	case instr.DeleteRecordKey != nil:
		_, err := tx.ExecContext(ctx, "DELETE FROM mdm_record WHERE `key` = ?", uuid.UUID(*instr.DeleteRecordKey).String())
		return err
	case instr.Relationship != nil:
		if instr.Relationship.IsMarkedDelete() {
			_, err := tx.ExecContext(ctx, "DELETE FROM mdm_relationship WHERE `key` = ?", uuid.UUID(instr.Relationship.Key).String())
			return err
		}
		return s.execUpsertRelationship(ctx, tx, instr.Relationship)
	}
	return nil
}

const mysqlSelectRecordSQL = "SELECT `key`, class, determiner, status, type, identifiers, names, addresses, telecoms, notes, participations, language_communication, tags, provenance_application, provenance_device, created_at FROM mdm_record"

const mysqlSelectRelationshipSQL = "SELECT `key`, source_key, target_key, relationship_type, classification, strength, obsolete_seq, batch_operation FROM mdm_relationship"

func mysqlRecordWhere(q Query) (string, []any) {
	var clauses []string
	var args []any
	if q.Class != nil {
		clauses = append(clauses, "class = ?")
		args = append(args, uuid.UUID(*q.Class).String())
	}
	for _, f := range q.Fields {
		switch f.Path {
		case "type":
			clauses = append(clauses, "type = ?")
			args = append(args, f.Value)
		case "status":
			clauses = append(clauses, "status = ?")
			args = append(args, f.Value)
		}
	}
	return strings.Join(clauses, " AND "), args
}

func mysqlRelationshipWhere(q Query) (string, []any) {
	var clauses []string
	var args []any
	for _, f := range q.Fields {
		switch f.Path {
		case "source":
			clauses = append(clauses, "source_key = ?")
			args = append(args, uuid.UUID(f.Value.(model.Key)).String())
		case "target":
			clauses = append(clauses, "target_key = ?")
			args = append(args, uuid.UUID(f.Value.(model.Key)).String())
		}
	}
	return strings.Join(clauses, " AND "), args
}

type mysqlRowScanner interface {
	Scan(dest ...any) error
}

func mysqlScanRecord(row mysqlRowScanner) (*model.Record, error) {
	return mysqlScanRecordRow(row)
}

func mysqlScanRecordRow(row mysqlRowScanner) (*model.Record, error) {
	var (
		key, class, provApp, provDevice                string
		determiner, status, recType                    string
		identifiers, names, addresses, telecoms, notes []byte
		participations, languageComm, tags             []byte
		createdAt                                       sql.NullTime
	)
	if err := row.Scan(&key, &class, &determiner, &status, &recType, &identifiers, &names, &addresses,
		&telecoms, &notes, &participations, &languageComm, &tags, &provApp, &provDevice, &createdAt); err != nil {
		return nil, errors.WithStack(err)
	}

	keyU, _ := uuid.Parse(key)
	classU, _ := uuid.Parse(class)
	appU, _ := uuid.Parse(provApp)
	devU, _ := uuid.Parse(provDevice)

	rec := &model.Record{
		Key:        model.Key(keyU),
		Class:      model.Key(classU),
		Determiner: model.Determiner(determiner),
		Status:     model.Status(status),
		Type:       recType,
		Provenance: model.Provenance{ApplicationID: model.Key(appU), DeviceID: model.Key(devU)},
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

func mysqlScanRelationship(row mysqlRowScanner) (*model.Relationship, error) {
	return mysqlScanRelationshipRow(row)
}

func mysqlScanRelationshipRow(row mysqlRowScanner) (*model.Relationship, error) {
	var (
		key, source, target, relType, class string
		strength                             *float64
		obsoleteSeq                          *int64
		batchOp                              int
	)
	if err := row.Scan(&key, &source, &target, &relType, &class, &strength, &obsoleteSeq, &batchOp); err != nil {
		return nil, errors.WithStack(err)
	}
	keyU, _ := uuid.Parse(key)
	sourceU, _ := uuid.Parse(source)
	targetU, _ := uuid.Parse(target)
	relU, _ := uuid.Parse(relType)
	classU, _ := uuid.Parse(class)
	return &model.Relationship{
		Key:              model.Key(keyU),
		SourceKey:        model.Key(sourceU),
		TargetKey:        model.Key(targetU),
		RelationshipType: mdmconst.RelationshipType(relU),
		Classification:   mdmconst.Classification(classU),
		Strength:         strength,
		ObsoleteSeq:      obsoleteSeq,
		BatchOperation:   model.BatchOperation(batchOp),
	}, nil
}

type mysqlRecordCursor struct {
	rows *sql.Rows
}

func (c *mysqlRecordCursor) Next(ctx context.Context) (*model.Record, error) {
	if !c.rows.Next() {
		return nil, errors.WithStack(c.rows.Err())
	}
	return mysqlScanRecordRow(c.rows)
}

func (c *mysqlRecordCursor) State() string { return "" }

func (c *mysqlRecordCursor) Close(ctx context.Context) error {
	return c.rows.Close()
}
