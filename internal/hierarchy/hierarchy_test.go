package hierarchy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapetech/xcdiscovery/internal/catalog"
)

func fixture() (cats, chans, streams []catalog.Record) {
	cats = []catalog.Record{
		{catalog.FieldCategoryGroupID: "sports", catalog.FieldDisplayName: "Sports", catalog.FieldInclude: true},
		{catalog.FieldCategoryGroupID: "news", catalog.FieldDisplayName: "News", catalog.FieldInclude: false},
	}
	chans = []catalog.Record{
		{catalog.FieldMetaChannelID: "f1", catalog.FieldCategoryGroupID: "sports", catalog.FieldDisplayName: "F1"},
		{catalog.FieldMetaChannelID: "lost", catalog.FieldCategoryGroupID: "unknown"},
		{catalog.FieldMetaChannelID: "bbc", catalog.FieldCategoryGroupID: "news"},
	}
	streams = []catalog.Record{
		{catalog.FieldURL: "http://x/1", catalog.FieldMetaChannelID: "f1", catalog.FieldStatus: map[string]any{"q": "hd"}},
		{catalog.FieldURL: "http://x/2", catalog.FieldMetaChannelID: "f1"},
		{catalog.FieldURL: "http://x/3", catalog.FieldMetaChannelID: "ghost"},
	}
	return
}

func TestBuild_orphansExcluded(t *testing.T) {
	cats := []catalog.Record{{catalog.FieldCategoryGroupID: "sports"}}
	chans := []catalog.Record{
		{catalog.FieldMetaChannelID: "f1", catalog.FieldCategoryGroupID: "sports"},
		{catalog.FieldMetaChannelID: "orphan", catalog.FieldCategoryGroupID: "nope"},
	}
	tree := Build(cats, chans, nil)
	require.Len(t, tree, 1)
	require.Len(t, tree[0].Channels, 1)
	assert.Equal(t, "f1", tree[0].Channels[0].MetaChannelID)
}

func TestBuild_nesting(t *testing.T) {
	cats, chans, streams := fixture()
	tree := Build(cats, chans, streams)
	require.Len(t, tree, 2)
	assert.Equal(t, "sports", tree[0].CategoryGroupID)
	assert.True(t, tree[0].Include)
	assert.False(t, tree[1].Include)

	require.Len(t, tree[0].Channels, 1)
	f1 := tree[0].Channels[0]
	require.Len(t, f1.Streams, 2)
	assert.Equal(t, "http://x/1", f1.Streams[0].URL)
	assert.JSONEq(t, `{"q":"hd"}`, string(f1.Streams[0].Status))

	require.Len(t, tree[1].Channels, 1)
	assert.Empty(t, tree[1].Channels[0].Streams)
	assert.NotNil(t, tree[1].Channels[0].Streams)

	ch, st := Stats(tree[0])
	assert.Equal(t, 1, ch)
	assert.Equal(t, 2, st)
}

func TestBuildOne(t *testing.T) {
	cats, chans, streams := fixture()
	g, ok := BuildOne("news", cats, chans, streams)
	require.True(t, ok)
	assert.Equal(t, "News", g.DisplayName)
	require.Len(t, g.Channels, 1)

	_, ok = BuildOne("missing", cats, chans, streams)
	assert.False(t, ok)
}

func TestBuild_empty(t *testing.T) {
	assert.Empty(t, Build(nil, nil, nil))
}
