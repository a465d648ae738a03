package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/threshold-seal/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInnerID(t *testing.T) {
	assert.Equal(t, []byte{0xca, 0xfe}, parseInnerID("0xcafe"))
	assert.Equal(t, []byte("doc-42"), parseInnerID("doc-42"))
	assert.Equal(t, []byte("0xzz"), parseInnerID("0xzz"))
}

func TestReadEnvelope(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "env.hex")
	require.NoError(t, os.WriteFile(path, []byte("0x0102ff\n"), 0o600))
	data, err := readEnvelope(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0xff}, data)

	require.NoError(t, os.WriteFile(path, []byte("not hex"), 0o600))
	_, err = readEnvelope(path)
	assert.ErrorIs(t, err, interfaces.ErrMalformedEnvelope)
}

func TestUnwrapJoined(t *testing.T) {
	assert.Nil(t, unwrapJoined(nil))

	a, b := errors.New("a"), errors.New("b")
	assert.Equal(t, []error{a, b}, unwrapJoined(errors.Join(a, b)))
	assert.Equal(t, []error{a}, unwrapJoined(a))
}
