package mdmrepo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/santedb/mdm/internal/mdmconst"
	"github.com/santedb/mdm/internal/model"
)

// PostgresStore is the primary Store implementation, backed by a
// pgxpool.Pool. Grounded on the teacher's StagingPool/TargetPool
// split (internal/types/types.go) collapsed here into one pool, since
// the MDM engine owns a single logical schema rather than staging a
// separate upstream/downstream pair.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)
var _ UnionStore = (*PostgresStore)(nil)
var _ BundlePersister = (*PostgresStore)(nil)

// NewPostgresStore dials connString and wraps the resulting pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, errors.Wrap(err, "could not open postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "could not ping postgres")
	}
	return &PostgresStore{Pool: pool}, nil
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() { s.Pool.Close() }

func (s *PostgresStore) GetRecord(ctx context.Context, key model.Key) (*model.Record, error) {
	row := s.Pool.QueryRow(ctx, selectRecordSQL+" WHERE key = $1", uuid.UUID(key))
	return scanRecord(row)
}

func (s *PostgresStore) QueryRecords(ctx context.Context, q Query) (ResultCursor, error) {
	where, args := buildRecordWhere(q, 1)
	sql := selectRecordSQL
	if where != "" {
		sql += " WHERE " + where
	}
	sql += orderAndPage(q, len(args)+1)
	if q.Take > 0 {
		args = append(args, q.Take)
	}
	if q.Skip > 0 {
		args = append(args, q.Skip)
	}

	rows, err := s.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &pgxRecordCursor{rows: rows}, nil
}

func (s *PostgresStore) InsertRecord(ctx context.Context, r *model.Record) error {
	return s.upsertRecord(ctx, r)
}

func (s *PostgresStore) UpdateRecord(ctx context.Context, r *model.Record) error {
	return s.upsertRecord(ctx, r)
}

func (s *PostgresStore) upsertRecord(ctx context.Context, r *model.Record) error {
	identifiers, _ := json.Marshal(r.Identifiers)
	names, _ := json.Marshal(r.Names)
	addresses, _ := json.Marshal(r.Addresses)
	telecoms, _ := json.Marshal(r.Telecoms)
	notes, _ := json.Marshal(r.Notes)
	participations, _ := json.Marshal(r.Participations)
	languageComm, _ := json.Marshal(r.LanguageCommunication)
	tags, _ := json.Marshal(r.Tags)

	_, err := s.Pool.Exec(ctx, `
INSERT INTO mdm_record (key, class, determiner, status, type, identifiers, names, addresses, telecoms, notes,
	participations, language_communication, tags, provenance_application, provenance_device, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15, now())
ON CONFLICT (key) DO UPDATE SET
	class = EXCLUDED.class, determiner = EXCLUDED.determiner, status = EXCLUDED.status, type = EXCLUDED.type,
	identifiers = EXCLUDED.identifiers, names = EXCLUDED.names, addresses = EXCLUDED.addresses,
	telecoms = EXCLUDED.telecoms, notes = EXCLUDED.notes, participations = EXCLUDED.participations,
	language_communication = EXCLUDED.language_communication, tags = EXCLUDED.tags,
	provenance_application = EXCLUDED.provenance_application, provenance_device = EXCLUDED.provenance_device`,
		uuid.UUID(r.Key), uuid.UUID(r.Class), string(r.Determiner), string(r.Status), r.Type,
		identifiers, names, addresses, telecoms, notes, participations, languageComm, tags,
		uuid.UUID(r.Provenance.ApplicationID), uuid.UUID(r.Provenance.DeviceID))
	return errors.WithStack(err)
}

func (s *PostgresStore) DeleteRecord(ctx context.Context, key model.Key) error {
	_, err := s.Pool.Exec(ctx, "DELETE FROM mdm_record WHERE key = $1", uuid.UUID(key))
	return errors.WithStack(err)
}

func (s *PostgresStore) GetRelationship(ctx context.Context, key model.Key) (*model.Relationship, error) {
	row := s.Pool.QueryRow(ctx, selectRelationshipSQL+" WHERE key = $1", uuid.UUID(key))
	return scanRelationship(row)
}

func (s *PostgresStore) QueryRelationships(ctx context.Context, q Query) ([]model.Relationship, error) {
	where, args := buildRelationshipWhere(q, 1)
	sql := selectRelationshipSQL
	if where != "" {
		sql += " WHERE " + where
	}
	rows, err := s.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var out []model.Relationship
	for rows.Next() {
		rel, err := scanRelationshipRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rel)
	}
	return out, errors.WithStack(rows.Err())
}

func (s *PostgresStore) InsertRelationship(ctx context.Context, r *model.Relationship) error {
	return s.upsertRelationship(ctx, r)
}

func (s *PostgresStore) UpdateRelationship(ctx context.Context, r *model.Relationship) error {
	return s.upsertRelationship(ctx, r)
}

func (s *PostgresStore) upsertRelationship(ctx context.Context, r *model.Relationship) error {
	_, err := s.Pool.Exec(ctx, `
INSERT INTO mdm_relationship (key, source_key, target_key, relationship_type, classification, strength, obsolete_seq, batch_operation)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (key) DO UPDATE SET
	source_key = EXCLUDED.source_key, target_key = EXCLUDED.target_key,
	relationship_type = EXCLUDED.relationship_type, classification = EXCLUDED.classification,
	strength = EXCLUDED.strength, obsolete_seq = EXCLUDED.obsolete_seq, batch_operation = EXCLUDED.batch_operation`,
		uuid.UUID(r.Key), uuid.UUID(r.SourceKey), uuid.UUID(r.TargetKey),
		uuid.UUID(r.RelationshipType), uuid.UUID(r.Classification), r.Strength, r.ObsoleteSeq, int(r.BatchOperation))
	return errors.WithStack(err)
}

func (s *PostgresStore) DeleteRelationship(ctx context.Context, key model.Key) error {
	_, err := s.Pool.Exec(ctx, "DELETE FROM mdm_relationship WHERE key = $1", uuid.UUID(key))
	return errors.WithStack(err)
}

// QueryUnion implements UnionStore: it returns every record matching
// either predicate, joining the two where clauses with OR. The Sort,
// Skip and Take of a and b are not applied, and query.Synthesizer does
// not call it (§4.4).
func (s *PostgresStore) QueryUnion(ctx context.Context, a, b Query) (ResultCursor, error) {
	whereA, argsA := buildRecordWhere(a, 1)
	whereB, argsB := buildRecordWhere(b, len(argsA)+1)
	sql := selectRecordSQL
	clauses := make([]string, 0, 2)
	if whereA != "" {
		clauses = append(clauses, whereA)
	}
	if whereB != "" {
		clauses = append(clauses, whereB)
	}
	if len(clauses) > 0 {
		sql += " WHERE " + strings.Join(clauses, " OR ")
	}
	args := append(argsA, argsB...)

	rows, err := s.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &pgxRecordCursor{rows: rows}, nil
}

const selectRecordSQL = `SELECT key, class, determiner, status, type, identifiers, names, addresses, telecoms, notes,
	participations, language_communication, tags, provenance_application, provenance_device, created_at FROM mdm_record`

const selectRelationshipSQL = `SELECT key, source_key, target_key, relationship_type, classification, strength, obsolete_seq, batch_operation FROM mdm_relationship`

func buildRecordWhere(q Query, startArg int) (string, []any) {
	var clauses []string
	var args []any
	n := startArg
	if q.Class != nil {
		clauses = append(clauses, fmt.Sprintf("class = $%d", n))
		args = append(args, uuid.UUID(*q.Class))
		n++
	}
	if len(q.Keys) > 0 {
		keys := make([]uuid.UUID, len(q.Keys))
		for i, k := range q.Keys {
			keys[i] = uuid.UUID(k)
		}
		clauses = append(clauses, fmt.Sprintf("key = ANY($%d)", n))
		args = append(args, keys)
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

func buildRelationshipWhere(q Query, startArg int) (string, []any) {
	var clauses []string
	var args []any
	n := startArg
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

func orderAndPage(q Query, startArg int) string {
	var b strings.Builder
	if len(q.Sort) > 0 {
		b.WriteString(" ORDER BY ")
		for i, s := range q.Sort {
			if i > 0 {
				b.WriteString(", ")
			}
			col := sanitizeSortPath(s.Path)
			b.WriteString(col)
			if s.Descending {
				b.WriteString(" DESC")
			}
		}
	}
	n := startArg
	if q.Take > 0 {
		b.WriteString(fmt.Sprintf(" LIMIT $%d", n))
		n++
	}
	if q.Skip > 0 {
		b.WriteString(fmt.Sprintf(" OFFSET $%d", n))
	}
	return b.String()
}

// sanitizeSortPath allows only a fixed whitelist of sortable columns,
// since q.Sort.Path ultimately comes from an inbound query string and
// must never be interpolated unescaped.
func sanitizeSortPath(path string) string {
	switch path {
	case "created_at", "type", "status":
		return path
	default:
		return "created_at"
	}
}

type pgxRecordCursor struct {
	rows pgx.Rows
}

func (c *pgxRecordCursor) Next(ctx context.Context) (*model.Record, error) {
	if !c.rows.Next() {
		return nil, errors.WithStack(c.rows.Err())
	}
	return scanRecordRow(c.rows)
}

func (c *pgxRecordCursor) State() string { return "" }

func (c *pgxRecordCursor) Close(ctx context.Context) error {
	c.rows.Close()
	return nil
}

// rowScanner abstracts over pgx.Row and pgx.Rows, both of which
// expose Scan with the same signature.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.Record, error) {
	return scanRecordRow(row)
}

func scanRecordRow(row rowScanner) (*model.Record, error) {
	var (
		key, class                                     uuid.UUID
		determiner, status                             string
		recType                                         string
		identifiers, names, addresses, telecoms, notes []byte
		participations, languageComm, tags             []byte
		provApp, provDevice                             uuid.UUID
		createdAt                                       time.Time
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
		CreatedAt:  createdAt,
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

func scanRelationship(row rowScanner) (*model.Relationship, error) {
	return scanRelationshipRow(row)
}

func scanRelationshipRow(row rowScanner) (*model.Relationship, error) {
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

// Commit implements BundlePersister directly against Postgres: every
// instruction in the ordered batch is applied inside one pgx.Tx,
// giving the "assemble in memory, commit atomically" model (§5) a
// real all-or-nothing boundary instead of relying on the caller.
func (s *PostgresStore) Commit(ctx context.Context, instructions []model.Instruction) ([]model.Instruction, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer tx.Rollback(ctx)

	for _, instr := range instructions {
		if err := applyInstructionTx(ctx, tx, instr); err != nil {
			return nil, errors.WithStack(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.WithStack(err)
	}
	return instructions, nil
}

// applyInstructionTx applies a single Instruction within an open
// pgx.Tx, duplicating the upsert/delete SQL used by the non-transactional
// path above since pgx.Tx and pgxpool.Pool don't share an interface
// for Exec in this driver version.
func applyInstructionTx(ctx context.Context, tx pgx.Tx, instr model.Instruction) error {
	switch {
	case instr.Record != nil:
		r := instr.Record
		identifiers, _ := json.Marshal(r.Identifiers)
		names, _ := json.Marshal(r.Names)
		addresses, _ := json.Marshal(r.Addresses)
		telecoms, _ := json.Marshal(r.Telecoms)
		notes, _ := json.Marshal(r.Notes)
		participations, _ := json.Marshal(r.Participations)
		languageComm, _ := json.Marshal(r.LanguageCommunication)
		tags, _ := json.Marshal(r.Tags)
		_, err := tx.Exec(ctx, `
INSERT INTO mdm_record (key, class, determiner, status, type, identifiers, names, addresses, telecoms, notes,
	participations, language_communication, tags, provenance_application, provenance_device, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15, now())
ON CONFLICT (key) DO UPDATE SET
	class = EXCLUDED.class, determiner = EXCLUDED.determiner, status = EXCLUDED.status, type = EXCLUDED.type,
	identifiers = EXCLUDED.identifiers, names = EXCLUDED.names, addresses = EXCLUDED.addresses,
	telecoms = EXCLUDED.telecoms, notes = EXCLUDED.notes, participations = EXCLUDED.participations,
	language_communication = EXCLUDED.language_communication, tags = EXCLUDED.tags,
	provenance_application = EXCLUDED.provenance_application, provenance_device = EXCLUDED.provenance_device`,
			uuid.UUID(r.Key), uuid.UUID(r.Class), string(r.Determiner), string(r.Status), r.Type,
			identifiers, names, addresses, telecoms, notes, participations, languageComm, tags,
			uuid.UUID(r.Provenance.ApplicationID), uuid.UUID(r.Provenance.DeviceID))
		return err

	case instr.DeleteRecordKey != nil:
		_, err := tx.Exec(ctx, "DELETE FROM mdm_record WHERE key = $1", uuid.UUID(*instr.DeleteRecordKey))
		return err

	case instr.Relationship != nil:
		r := instr.Relationship
		if r.IsMarkedDelete() {
			_, err := tx.Exec(ctx, "DELETE FROM mdm_relationship WHERE key = $1", uuid.UUID(r.Key))
			return err
		}
		_, err := tx.Exec(ctx, `
INSERT INTO mdm_relationship (key, source_key, target_key, relationship_type, classification, strength, obsolete_seq, batch_operation)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (key) DO UPDATE SET
	source_key = EXCLUDED.source_key, target_key = EXCLUDED.target_key,
	relationship_type = EXCLUDED.relationship_type, classification = EXCLUDED.classification,
	strength = EXCLUDED.strength, obsolete_seq = EXCLUDED.obsolete_seq, batch_operation = EXCLUDED.batch_operation`,
			uuid.UUID(r.Key), uuid.UUID(r.SourceKey), uuid.UUID(r.TargetKey),
			uuid.UUID(r.RelationshipType), uuid.UUID(r.Classification), r.Strength, r.ObsoleteSeq, int(r.BatchOperation))
		return err
	}
	return nil
}
