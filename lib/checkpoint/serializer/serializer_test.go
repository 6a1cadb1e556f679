package serializer

import (
	"testing"
	"time"

	"github.com/ValentinKolb/hKV/lib/checkpoint/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var serializers = []IMetaSerializer{
	NewJSONSerializer(),
	NewGOBSerializer(),
	NewBinarySerializer(),
}

func sampleLogInfo() common.Metadata {
	return common.Metadata{
		Kind: common.KindLog,
		Log: &common.LogInfo{
			Token:        common.NewToken(),
			Version:      3,
			BeginAddress: 1,
			FinalAddress: 4096,
			Created:      time.Now(),
			Sessions: map[string]common.CommitPoint{
				"writer": {UntilSerialNo: 120, ExcludedSerialNos: []int64{118, 119}},
				"reader": {UntilSerialNo: 7},
			},
		},
	}
}

func TestLogMetadataSurvivesEverySerializer(t *testing.T) {
	want := sampleLogInfo()
	for _, s := range serializers {
		t.Run(s.Name(), func(t *testing.T) {
			b, err := s.Serialize(want)
			require.NoError(t, err)

			var got common.Metadata
			require.NoError(t, s.Deserialize(b, &got))
			require.Equal(t, common.KindLog, got.Kind)
			require.NotNil(t, got.Log)

			assert.Equal(t, want.Log.Token, got.Log.Token)
			assert.Equal(t, want.Log.FinalAddress, got.Log.FinalAddress)
			assert.Equal(t, want.Log.Version, got.Log.Version)
			assert.True(t, want.Log.Created.Equal(got.Log.Created))
			assert.Equal(t, want.Log.Sessions["writer"], got.Log.Sessions["writer"])
			assert.True(t, got.Log.Sessions["reader"].CoversAll(7))
		})
	}
}

func TestIndexMetadataBinary(t *testing.T) {
	s := NewBinarySerializer()
	want := &common.IndexInfo{
		Token:        common.NewToken(),
		Version:      2,
		StartAddress: 10,
		FinalAddress: 20,
		NumEntries:   5,
		HashSeed:     12345,
		Created:      time.Now(),
	}
	b, err := s.Serialize(common.Metadata{Kind: common.KindIndex, Index: want})
	require.NoError(t, err)

	var got common.Metadata
	require.NoError(t, s.Deserialize(b, &got))
	require.NotNil(t, got.Index)
	assert.Equal(t, want.HashSeed, got.Index.HashSeed)
	assert.Equal(t, want.StartAddress, got.Index.StartAddress)

	// every truncation must be detected
	for i := 0; i < len(b); i++ {
		assert.Error(t, s.Deserialize(b[:i], &got), "truncated at %d", i)
	}
}

func TestMissingPayload(t *testing.T) {
	_, err := NewBinarySerializer().Serialize(common.Metadata{Kind: common.KindLog})
	assert.Error(t, err)
}

func TestByName(t *testing.T) {
	for _, name := range []string{"json", "gob", "binary", ""} {
		_, err := ByName(name)
		assert.NoError(t, err, name)
	}
	_, err := ByName("xml")
	assert.Error(t, err)
}
