package cryptoutils

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyDummyAttestation(t *testing.T) {
	reportData := [64]byte{0x01, 0x02}
	provider := DummyAttestationProvider{}
	assert.Equal(t, DummyAttestation, provider.AttestationType())

	quote, err := provider.Attest(reportData)
	require.NoError(t, err)

	assert.NoError(t, VerifyAttestation(DummyAttestation.StringID, reportData, quote, true))
	assert.Error(t, VerifyAttestation(DummyAttestation.StringID, reportData, quote, false))
	assert.Error(t, VerifyAttestation(DummyAttestation.StringID, [64]byte{0x03}, quote, true), "quote is bound to the report data")
}

func TestVerifyAttestationRejectsUnknownType(t *testing.T) {
	err := VerifyAttestation("sgx", [64]byte{}, nil, true)
	assert.True(t, errors.Is(err, errors.ErrUnsupported))
}

func TestVerifyDCAPAttestationRejectsGarbage(t *testing.T) {
	_, err := VerifyDCAPAttestation([64]byte{}, []byte("not a quote"))
	assert.Error(t, err)
	assert.Error(t, VerifyAttestation(DCAPAttestation.StringID, [64]byte{}, []byte("not a quote"), true))
}
