package attest_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/attestor/internal/attest"
	"github.com/dropDatabas3/attestor/internal/keystore"
)

func TestParseFormat(t *testing.T) {
	cases := []struct {
		in      string
		want    attest.Format
		wantErr bool
	}{
		{"comprehensive", attest.FormatComprehensive, false},
		{"jws-only", attest.FormatJWSOnly, false},
		{"jws", attest.FormatJWSOnly, false},
		{"legacy-only", attest.FormatLegacyOnly, false},
		{"LEGACY", attest.FormatLegacyOnly, false},
		{"  comprehensive  ", attest.FormatComprehensive, false},
		{"pkcs7", "", true},
		{"", "", true},
	}
	for _, c := range cases {
		got, err := attest.ParseFormat(c.in)
		if c.wantErr {
			require.Error(t, err, "input %q", c.in)
			continue
		}
		require.NoError(t, err, "input %q", c.in)
		require.Equal(t, c.want, got, "input %q", c.in)
	}
}

func TestAttestationValidate(t *testing.T) {
	base := func() *attest.Attestation {
		return &attest.Attestation{
			Version: attest.Version,
			Format:  attest.FormatJWSOnly,
			Artifact: attest.Artifact{
				Name:        "a.js",
				ContentHash: strings.Repeat("a", 64),
			},
			Signatures: map[string]string{"eddsa": "x.y.z"},
			Keys:       map[string]keystore.JWK{"eddsa": {Kty: "OKP"}},
		}
	}

	require.NoError(t, base().Validate())

	a := base()
	a.Version = ""
	require.ErrorIs(t, a.Validate(), attest.ErrMalformedAttestation)

	a = base()
	a.Format = "pkcs7"
	require.ErrorIs(t, a.Validate(), attest.ErrMalformedAttestation)

	a = base()
	a.Artifact.ContentHash = ""
	require.ErrorIs(t, a.Validate(), attest.ErrMalformedAttestation)

	// signature without matching key
	a = base()
	a.Keys = nil
	require.ErrorIs(t, a.Validate(), attest.ErrMalformedAttestation)

	// key without matching signature
	a = base()
	a.Keys["rs256"] = keystore.JWK{Kty: "RSA"}
	require.ErrorIs(t, a.Validate(), attest.ErrMalformedAttestation)

	// legacy-only needs the legacy block
	a = base()
	a.Format = attest.FormatLegacyOnly
	a.Signatures, a.Keys = nil, nil
	require.ErrorIs(t, a.Validate(), attest.ErrMalformedAttestation)
	a.Legacy = &attest.LegacyBlock{Signature: attest.LegacySignature{Algorithm: "sha256", Value: strings.Repeat("b", 64)}}
	require.NoError(t, a.Validate())
}

func TestLegacyDigestDeterministic(t *testing.T) {
	art := attest.Artifact{
		Path:        "/tmp/a.js",
		Name:        "a.js",
		ContentHash: strings.Repeat("a", 64),
		Size:        17,
	}
	gen := attest.Generation{
		OperationID: "op-1",
		GeneratedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Generator:   attest.Generator{Name: "attestor", Version: "1.0.0"},
	}
	d1, err := attest.LegacyDigest(art, gen)
	require.NoError(t, err)
	d2, err := attest.LegacyDigest(art, gen)
	require.NoError(t, err)
	require.Equal(t, d1, d2)
	require.Len(t, d1, 64)

	// any input change moves the digest
	gen.OperationID = "op-2"
	d3, err := attest.LegacyDigest(art, gen)
	require.NoError(t, err)
	require.NotEqual(t, d1, d3)
}
