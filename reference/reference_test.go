package reference

import (
	"bytes"
	_ "crypto/sha512"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	valid := Compute([]byte("hello"))

	tests := []struct {
		name   string
		ref    string
		wantOK bool
	}{
		{name: "sha256 digest", ref: valid.String(), wantOK: true},
		{name: "plain tag", ref: "latest", wantOK: false},
		{name: "tag with dots", ref: "v1.2.3", wantOK: false},
		{name: "short hex", ref: "sha256:abcd", wantOK: false},
		{name: "uppercase hex", ref: "sha256:" + strings.ToUpper(valid.Encoded()), wantOK: false},
		{name: "sha512 digest", ref: digest.SHA512.FromString("hello").String(), wantOK: false},
		{name: "unknown algorithm", ref: "md5:" + valid.Encoded(), wantOK: false},
		{name: "empty", ref: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ok := Parse(tt.ref)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.ref, d.String())
			}
		})
	}
}

func TestParseDigest(t *testing.T) {
	_, err := ParseDigest("latest")
	require.ErrorIs(t, err, ErrDigestInvalid)

	_, err = ParseDigest("")
	require.ErrorIs(t, err, ErrDigestInvalid)

	want := Compute([]byte("x"))
	got, err := ParseDigest(want.String())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestVerify(t *testing.T) {
	payloads := [][]byte{
		{},
		[]byte("a"),
		[]byte("abcdef"),
		bytes.Repeat([]byte{0xff, 0x00, 0x7f}, 1000),
	}

	for _, b := range payloads {
		d := Compute(b)
		assert.True(t, Verify(b, d))

		ok, err := VerifyReader(bytes.NewReader(b), d)
		require.NoError(t, err)
		assert.True(t, ok)

		for i := range b {
			for bit := 0; bit < 8; bit += 3 {
				mutated := bytes.Clone(b)
				mutated[i] ^= 1 << bit
				assert.False(t, Verify(mutated, d), "mutation at byte %d bit %d verified", i, bit)
			}
			if i > 8 {
				break
			}
		}
	}
}

func TestVerifyRejectsForeignAlgorithm(t *testing.T) {
	b := []byte("content")
	assert.False(t, Verify(b, digest.SHA512.FromBytes(b)))

	ok, err := VerifyReader(bytes.NewReader(b), digest.Digest("garbage"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateRepository(t *testing.T) {
	tests := []struct {
		name    string
		repo    string
		wantErr bool
	}{
		{name: "single component", repo: "app", wantErr: false},
		{name: "nested", repo: "library/app", wantErr: false},
		{name: "separators", repo: "my-org/my_app.v2", wantErr: false},
		{name: "uppercase", repo: "Library/App", wantErr: true},
		{name: "empty", repo: "", wantErr: true},
		{name: "trailing slash", repo: "library/", wantErr: true},
		{name: "too long", repo: strings.Repeat("a", 256), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRepository(tt.repo)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNameInvalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateTag(t *testing.T) {
	assert.NoError(t, ValidateTag("latest"))
	assert.NoError(t, ValidateTag("v1.0.0-rc_1"))
	assert.ErrorIs(t, ValidateTag(""), ErrTagInvalid)
	assert.ErrorIs(t, ValidateTag(".hidden"), ErrTagInvalid)
	assert.ErrorIs(t, ValidateTag("sha256:abc"), ErrTagInvalid)
	assert.ErrorIs(t, ValidateTag(strings.Repeat("t", 129)), ErrTagInvalid)
}
