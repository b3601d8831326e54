package qringbuf_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mostlymaxi/qringbuf"
)

func TestFacadeRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s, r, err := qringbuf.Open(dir, qringbuf.Options{})
	require.NoError(t, err)
	defer s.Close()
	defer r.Close()

	_, err = s.Push([]byte("hello"))
	require.NoError(t, err)

	msg, err := r.Pop()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(msg))
}

func TestFacadeSetMaxQpages(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, qringbuf.SetMaxQpages(dir, 4))

	s, r, err := qringbuf.Open(dir, qringbuf.Options{})
	require.NoError(t, err)
	defer s.Close()
	defer r.Close()
}

func TestFacadeRejectsOversizeMessage(t *testing.T) {
	dir := t.TempDir()
	s, r, err := qringbuf.Open(dir, qringbuf.Options{})
	require.NoError(t, err)
	defer s.Close()
	defer r.Close()

	_, err = s.Push(make([]byte, qringbuf.MaxMsgLen+1))
	require.ErrorIs(t, err, qringbuf.ErrMsgTooLong)
}
