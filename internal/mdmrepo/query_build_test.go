package mdmrepo

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/santedb/mdm/internal/model"
)

func TestSanitizeSortPathWhitelistsColumns(t *testing.T) {
	assert.Equal(t, "type", sanitizeSortPath("type"))
	assert.Equal(t, "status", sanitizeSortPath("status"))
	assert.Equal(t, "created_at", sanitizeSortPath("created_at"))
	assert.Equal(t, "created_at", sanitizeSortPath("key; DROP TABLE mdm_record"))
}

func TestBuildRecordWhereCombinesClassAndFields(t *testing.T) {
	class := model.NewKey()
	q := Query{
		Class:  &class,
		Fields: []QueryField{{Path: "type", Value: "Patient"}, {Path: "status", Value: "ACTIVE"}},
	}
	where, args := buildRecordWhere(q, 1)
	assert.Equal(t, "class = $1 AND type = $2 AND status = $3", where)
	assert.Len(t, args, 3)
}

func TestBuildRecordWhereStartArgOffset(t *testing.T) {
	q := Query{Fields: []QueryField{{Path: "type", Value: "Patient"}}}
	where, args := buildRecordWhere(q, 5)
	assert.Equal(t, "type = $5", where)
	assert.Equal(t, []any{"Patient"}, args)
}

func TestBuildRelationshipWhereUsesSourceAndTarget(t *testing.T) {
	src, tgt := model.NewKey(), model.NewKey()
	q := Query{Fields: []QueryField{{Path: "source", Value: src}, {Path: "target", Value: tgt}}}
	where, args := buildRelationshipWhere(q, 1)
	assert.Equal(t, "source_key = $1 AND target_key = $2", where)
	assert.Len(t, args, 2)
}

func TestPqRecordWhereAlwaysStartsAtOne(t *testing.T) {
	class := model.NewKey()
	q := Query{Class: &class}
	where, args := pqRecordWhere(q)
	assert.Equal(t, "class = $1", where)
	assert.Len(t, args, 1)
}

func TestPqRelationshipWhereTarget(t *testing.T) {
	tgt := model.NewKey()
	q := Query{Fields: []QueryField{{Path: "target", Value: tgt}}}
	where, args := pqRelationshipWhere(q)
	assert.Equal(t, "target_key = $1", where)
	assert.Equal(t, []any{uuid.UUID(tgt)}, args)
}

func TestMysqlRecordWhereUsesPositionalPlaceholders(t *testing.T) {
	class := model.NewKey()
	q := Query{
		Class:  &class,
		Fields: []QueryField{{Path: "type", Value: "Patient"}},
	}
	where, args := mysqlRecordWhere(q)
	assert.Equal(t, "class = ? AND type = ?", where)
	assert.Len(t, args, 2)
}

func TestMysqlRelationshipWhereStringifiesKeys(t *testing.T) {
	src := model.NewKey()
	q := Query{Fields: []QueryField{{Path: "source", Value: src}}}
	where, args := mysqlRelationshipWhere(q)
	assert.Equal(t, "source_key = ?", where)
	assert.Len(t, args, 1)
	assert.Equal(t, src.String(), args[0])
}

func TestEmptyQueryProducesNoClauses(t *testing.T) {
	where, args := buildRecordWhere(Query{}, 1)
	assert.Empty(t, where)
	assert.Empty(t, args)
}
