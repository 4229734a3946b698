package errkind

import (
	"errors"
	"io/fs"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(IoError, "x", nil))
}

func TestKindOf(t *testing.T) {
	err := Wrap(Timeout, "a/b", errors.New("deadline"))
	assert.Equal(t, Timeout, KindOf(err))
	assert.True(t, Is(err, Timeout))
	assert.False(t, Is(err, IoError))
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(IoError, "f", cause)
	assert.ErrorIs(t, err, cause)
}

func TestClassifyIO(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"not exist", fs.ErrNotExist, NotFound},
		{"permission", fs.ErrPermission, PermissionDenied},
		{"deadline", os.ErrDeadlineExceeded, Timeout},
		{"generic", errors.New("disk on fire"), IoError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(ClassifyIO("p", tt.err)))
		})
	}
}

func TestClassifyIOPreservesKind(t *testing.T) {
	orig := New(IntegrityMismatch, "f")
	got := ClassifyIO("other", orig)
	require.Equal(t, IntegrityMismatch, KindOf(got))
}

func TestStructural(t *testing.T) {
	assert.True(t, Structural(New(IntegrityMismatch, "")))
	assert.True(t, Structural(New(ProtocolViolation, "")))
	assert.True(t, Structural(New(CorruptDeltaStream, "")))
	assert.False(t, Structural(New(IoError, "")))
	assert.False(t, Structural(New(Timeout, "")))
	assert.False(t, Structural(errors.New("plain")))
}

func TestErrorString(t *testing.T) {
	err := Wrap(NotFound, "dir/file.txt", fs.ErrNotExist)
	assert.Contains(t, err.Error(), "not found")
	assert.Contains(t, err.Error(), "dir/file.txt")
}
