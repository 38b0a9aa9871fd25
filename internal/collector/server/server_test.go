package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simrail-mirror/collector/internal/dirty"
	"github.com/simrail-mirror/collector/internal/models"
)

func TestParseNameLangTagsPlain(t *testing.T) {
	lang, tags := parseNameLangTags("EU1 (English)")
	assert.Equal(t, "English", lang)
	assert.Nil(t, tags)
}

func TestParseNameLangTagsWithTags(t *testing.T) {
	lang, tags := parseNameLangTags("EU1 (Polish) [Active, Featured]")
	assert.Equal(t, "Polish", lang)
	assert.Equal(t, []string{"Active", "Featured"}, tags)
}

func TestParseNameLangTagsInternationalClearsLang(t *testing.T) {
	lang, _ := parseNameLangTags("EU1 (International)")
	assert.Equal(t, "", lang)
}

func TestParseNameLangTagsXboxPrefix(t *testing.T) {
	lang, tags := parseNameLangTags("xbx EU1 something")
	assert.Equal(t, "EU1", lang)
	assert.Nil(t, tags)
}

func TestParseNameLangTagsUnrecognized(t *testing.T) {
	lang, tags := parseNameLangTags("not a matching shape")
	assert.Equal(t, "", lang)
	assert.Nil(t, tags)
}

func TestDecodeTimeMillis(t *testing.T) {
	ms, err := decodeTimeMillis([]byte(`{"timeMillis": 1700000000000}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), ms)
}

func TestDecodeTimeMillisInvalidJSON(t *testing.T) {
	_, err := decodeTimeMillis([]byte(`not json`))
	assert.Error(t, err)
}

func TestApplyServerDirtyOnlyOverlaysDirtyFields(t *testing.T) {
	s := &models.Server{Online: false, Scenery: "old"}
	holder := &models.ServerUpdateHolder{
		Online:  models.DirtyField[bool]{Present: true, Value: true},
		Scenery: models.DirtyField[string]{Present: true, Value: "new"},
		Tags:    models.DirtyField[[]string]{Present: true, Value: []string{"x"}},
	}

	var bits dirty.Bits
	bits.Set(models.BitServerOnline)
	bits.Set(models.BitServerScenery)
	snapshot, _ := bits.ConsumeAll()

	applyServerDirty(s, holder, snapshot)

	assert.True(t, s.Online)
	assert.Equal(t, "new", s.Scenery)
	assert.Nil(t, s.Tags, "tags bit was never set so the field must stay untouched")
}
