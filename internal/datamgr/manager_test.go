package datamgr_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/santedb/mdm/internal/datamgr"
	"github.com/santedb/mdm/internal/mdmconst"
	"github.com/santedb/mdm/internal/mdmtest"
	"github.com/santedb/mdm/internal/model"
)

func TestDedupByTargetEnforcesInvariant4(t *testing.T) {
	local := model.NewKey()
	master := model.NewKey()

	masterRel := model.Of(local, master, mdmconst.MasterRecord, mdmconst.System)
	candidateRel := model.Of(local, master, mdmconst.Candidate, mdmconst.Automagic)

	out := datamgr.DedupByTarget([]model.Instruction{
		model.RelationshipInstruction(&masterRel),
		model.RelationshipInstruction(&candidateRel),
	})

	var sawMaster, sawCandidate bool
	for _, instr := range out {
		require.NotNil(t, instr.Relationship)
		switch instr.Relationship.RelationshipType {
		case mdmconst.MasterRecord:
			sawMaster = true
		case mdmconst.Candidate:
			sawCandidate = true
		}
	}
	assert.True(t, sawMaster)
	assert.False(t, sawCandidate, "a current MasterRecord and current Candidate to the same target must never both survive dedup")
}

func TestDedupByTargetPrefersStrongerCandidate(t *testing.T) {
	local := model.NewKey()
	master := model.NewKey()

	weak := model.Of(local, master, mdmconst.Candidate, mdmconst.Automagic).WithStrength(0.2)
	strong := model.Of(local, master, mdmconst.Candidate, mdmconst.Automagic).WithStrength(0.9)

	out := datamgr.DedupByTarget([]model.Instruction{
		model.RelationshipInstruction(&weak),
		model.RelationshipInstruction(&strong),
	})

	require.Len(t, out, 1)
	require.NotNil(t, out[0].Relationship.Strength)
	assert.Equal(t, 0.9, *out[0].Relationship.Strength)
}

func TestDedupByTargetPrefersCurrentOverObsolete(t *testing.T) {
	local := model.NewKey()
	master := model.NewKey()
	seq := int64(1)

	obsolete := model.Of(local, master, mdmconst.OriginalMaster, mdmconst.System)
	obsolete.ObsoleteSeq = &seq
	current := model.Of(local, master, mdmconst.OriginalMaster, mdmconst.System)

	out := datamgr.DedupByTarget([]model.Instruction{
		model.RelationshipInstruction(&obsolete),
		model.RelationshipInstruction(&current),
	})

	require.Len(t, out, 1)
	assert.True(t, out[0].Relationship.IsCurrent())
}

func TestDedupByTargetPassesThroughRecordsAndOtherTypes(t *testing.T) {
	rec := &model.Record{Key: model.NewKey()}
	local := model.NewKey()
	master := model.NewKey()
	rot := model.Of(local, master, mdmconst.MasterRecordOfTruth, mdmconst.System)

	out := datamgr.DedupByTarget([]model.Instruction{
		model.RecordInstruction(rec),
		model.RelationshipInstruction(&rot),
	})

	require.Len(t, out, 2)
}

func TestManagerIsMaster(t *testing.T) {
	ctx := context.Background()
	store := mdmtest.NewMemStore()

	master := &model.Record{Key: model.NewKey(), Class: model.Key(mdmconst.MasterRecordClassification)}
	local := &model.Record{Key: model.NewKey(), Class: model.NewKey()}
	require.NoError(t, store.InsertRecord(ctx, master))
	require.NoError(t, store.InsertRecord(ctx, local))

	m := newTestManager(store, fakeMatcher{})

	isMaster, err := m.IsMaster(ctx, master.Key)
	require.NoError(t, err)
	assert.True(t, isMaster)

	isMaster, err = m.IsMaster(ctx, local.Key)
	require.NoError(t, err)
	assert.False(t, isMaster)
}
