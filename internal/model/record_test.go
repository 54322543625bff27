package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/santedb/mdm/internal/mdmconst"
	"github.com/santedb/mdm/internal/model"
)

func TestKeyTextRoundTrip(t *testing.T) {
	k := model.NewKey()

	text, err := k.MarshalText()
	require.NoError(t, err)

	var got model.Key
	require.NoError(t, got.UnmarshalText(text))
	assert.Equal(t, k, got)

	parsed, err := model.ParseKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)
}

func TestKeyIsZero(t *testing.T) {
	var zero model.Key
	assert.True(t, zero.IsZero())
	assert.False(t, model.NewKey().IsZero())
}

func TestRecordIsMaster(t *testing.T) {
	master := model.Record{Class: model.Key(mdmconst.MasterRecordClassification)}
	local := model.Record{Class: model.NewKey()}

	assert.True(t, master.IsMaster())
	assert.False(t, local.IsMaster())
}

func TestRecordIsRecordOfTruth(t *testing.T) {
	rot := model.Record{Determiner: model.DeterminerRecordOfTruth}
	inst := model.Record{Determiner: model.DeterminerInstance}

	assert.True(t, rot.IsRecordOfTruth())
	assert.False(t, inst.IsRecordOfTruth())
}

func TestRecordTags(t *testing.T) {
	r := model.Record{}

	_, ok := r.Tag(mdmconst.TagMdmType)
	assert.False(t, ok)

	r.SetTag(mdmconst.TagMdmType, string(mdmconst.MdmTypeLocal))
	v, ok := r.Tag(mdmconst.TagMdmType)
	require.True(t, ok)
	assert.Equal(t, string(mdmconst.MdmTypeLocal), v)

	r.RemoveTag(mdmconst.TagMdmType)
	_, ok = r.Tag(mdmconst.TagMdmType)
	assert.False(t, ok)
}

func TestRecordMergeIdentifiers(t *testing.T) {
	r := model.Record{
		Identifiers: []model.Identifier{{Domain: "nhid", Value: "1"}},
	}

	r.MergeIdentifiers([]model.Identifier{
		{Domain: "nhid", Value: "1"}, // duplicate, dropped
		{Domain: "mrn", Value: "2"},
	})

	assert.Len(t, r.Identifiers, 2)
	assert.True(t, r.HasIdentifier(model.Identifier{Domain: "mrn", Value: "2"}))
}

func TestRelationshipMarkDeleteClearsObsoleteSeq(t *testing.T) {
	seq := int64(5)
	rel := model.Of(model.NewKey(), model.NewKey(), mdmconst.MasterRecord, mdmconst.System)
	rel.ObsoleteSeq = &seq

	assert.False(t, rel.IsCurrent())

	rel.MarkDelete()
	assert.True(t, rel.IsMarkedDelete())
	assert.True(t, rel.IsCurrent(), "MarkDelete clears ObsoleteSeq per invariant 8")
}

func TestRelationshipWithStrengthClamps(t *testing.T) {
	rel := model.Of(model.NewKey(), model.NewKey(), mdmconst.Candidate, mdmconst.Automagic)

	high := rel.WithStrength(5)
	require.NotNil(t, high.Strength)
	assert.Equal(t, 1.0, *high.Strength)

	low := rel.WithStrength(-5)
	require.NotNil(t, low.Strength)
	assert.Equal(t, 0.0, *low.Strength)
}
