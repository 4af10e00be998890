package pty

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScrollback(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		writes []string
		want   string
	}{
		{"empty", 8, nil, ""},
		{"under capacity", 8, []string{"abc", "de"}, "abcde"},
		{"exactly full", 4, []string{"ab", "cd"}, "abcd"},
		{"wraps", 4, []string{"abc", "def"}, "cdef"},
		{"oversized write keeps tail", 4, []string{"a", "0123456789"}, "6789"},
		{"many small writes", 3, []string{"a", "b", "c", "d", "e"}, "cde"},
		{"disabled", 0, []string{"abc"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScrollback(tt.size)
			for _, w := range tt.writes {
				s.Write([]byte(w))
			}
			assert.Equal(t, tt.want, string(s.Snapshot()))
			assert.Equal(t, len(tt.want), s.Len())
		})
	}
}

func TestScrollbackSnapshotIsNonDestructive(t *testing.T) {
	s := NewScrollback(16)
	s.Write([]byte("hello"))

	first := s.Snapshot()
	first[0] = 'X'

	assert.Equal(t, "hello", string(s.Snapshot()))
}

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/bin", "TERM=dumb", "HOME=/root", "broken"}
	env := mergeEnv(base, map[string]string{"HOME": "/tmp/proj", "FOO": "bar"})

	assert.Equal(t, []string{"PATH=/bin", "TERM=xterm-256color", "HOME=/tmp/proj", "FOO=bar"}, env)
}
