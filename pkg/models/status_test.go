package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskKind_String(t *testing.T) {
	tests := []struct {
		kind TaskKind
		want string
	}{
		{TaskKindUnset, "unset"},
		{TaskKindLetter, "letter"},
		{TaskKindLetterPage, "letter_page"},
		{TaskKindAlbum, "album"},
		{TaskKindSong, "song"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}

func TestTaskKind_IsValid(t *testing.T) {
	for _, k := range AllTaskKinds {
		assert.True(t, k.IsValid(), "TaskKind(%q).IsValid()", string(k))
	}
	assert.False(t, TaskKindUnset.IsValid())
	assert.False(t, TaskKind("arbitrary").IsValid())
}
