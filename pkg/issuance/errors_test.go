package issuance

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestError_KindMatching(t *testing.T) {
	cause := errors.New("ledger timeout")
	err := fmt.Errorf("batch item 2: %w", newError(KindMintFailure, "execute", "i-1", "payment settled", cause))

	assert.ErrorIs(t, err, KindMintFailure)
	assert.NotErrorIs(t, err, KindPaymentFailure)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindMintFailure, KindOf(err))
	assert.Equal(t, "payment settled", ReasonOf(err))
	assert.Equal(t, Kind(""), KindOf(cause))
	assert.Contains(t, err.Error(), "intent i-1")
}

func TestValidExternalRef(t *testing.T) {
	assert.True(t, ValidExternalRef("E3FE6EA3D48F0C2B639448020EA4F03D4F4F8FFDB243A852A0F59177921B4879"))
	assert.True(t, ValidExternalRef("e3fe6ea3d48f0c2b639448020ea4f03d4f4f8ffdb243a852a0f59177921b4879"))
	assert.False(t, ValidExternalRef("0xe3fe6ea3d48f0c2b639448020ea4f03d4f4f8ffdb243a852a0f59177921b48"))
	assert.False(t, ValidExternalRef("E3FE6EA3D48F0C2B639448020EA4F03D4F4F8FFDB243A852A0F59177921B4879\n"))
}

func TestMetadataCodec_ValidatesDocuments(t *testing.T) {
	codec, err := NewMetadataCodec()
	assert.NoError(t, err)

	in := &Intent{
		ID:         "i-1",
		IssuerName: "Universidad de Bogotá",
		Request: Request{
			InstitutionID: "uni", AssetID: "0.0.5001", ContentHash: " sha256:abc ",
			SubjectName: "José Pérez", Attributes: map[string]string{"program": " Law "},
		},
	}
	doc := codec.Build(in, testTime)
	assert.Equal(t, "José Pérez", doc.Subject.Name)
	assert.Equal(t, "sha256:abc", doc.ContentHash)
	assert.Equal(t, "Law", doc.Attributes["program"])
	assert.Equal(t, "Academic Credential", doc.Name)

	data, err := codec.Encode(doc)
	assert.NoError(t, err)
	assert.NoError(t, codec.Validate(data))

	doc.Subject.Name = ""
	_, err = codec.Encode(doc)
	assert.Error(t, err)

	assert.Error(t, codec.Validate([]byte(`{"schema_version":"1.0.0","format":"other"}`)))
}

var testTime = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
