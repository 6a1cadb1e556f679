package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommitPointCovers(t *testing.T) {
	cp := CommitPoint{UntilSerialNo: 10, ExcludedSerialNos: []int64{4, 7}}

	assert.True(t, cp.Covers(1))
	assert.True(t, cp.Covers(10))
	assert.False(t, cp.Covers(4))
	assert.False(t, cp.Covers(11))

	assert.True(t, cp.CoversAll(3))
	assert.False(t, cp.CoversAll(4))
	assert.False(t, cp.CoversAll(10))
	assert.True(t, CommitPoint{UntilSerialNo: 10}.CoversAll(10))
	assert.Equal(t, "until 10 excluding [4, 7]", cp.String())
}

func TestToken(t *testing.T) {
	tok := NewToken()
	parsed, err := ParseToken(tok.String())
	assert.NoError(t, err)
	assert.Equal(t, tok, parsed)

	_, err = ParseToken("not-a-token")
	assert.Error(t, err)
}
