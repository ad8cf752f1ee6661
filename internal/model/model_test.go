package model_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/shirushi/internal/model"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		kind   model.Kind
		status int
		code   string
	}{
		{model.KindValidation, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{model.KindFormat, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{model.KindNotFound, http.StatusNotFound, model.ErrCodeNotFound},
		{model.KindUpstream, http.StatusBadGateway, model.ErrCodeUpstream},
		{model.KindUpstreamTimeout, http.StatusGatewayTimeout, model.ErrCodeUpstreamTimeout},
		{model.KindSizeLimit, http.StatusRequestEntityTooLarge, model.ErrCodePayloadTooLarge},
		{model.KindUnsupportedType, http.StatusUnsupportedMediaType, model.ErrCodeUnsupportedMediaType},
		{model.KindNotImplemented, http.StatusNotImplemented, model.ErrCodeNotImplemented},
		{model.KindConflict, http.StatusConflict, model.ErrCodeConflict},
		{model.KindInternal, http.StatusInternalServerError, model.ErrCodeInternalError},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			status, code := model.HTTPStatus(tc.kind)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, code)
		})
	}
}

func TestKindOf(t *testing.T) {
	base := errors.New("boom")
	wrapped := fmt.Errorf("outer: %w", model.Wrap(model.KindUpstream, base, "gateway failed"))

	assert.Equal(t, model.KindUpstream, model.KindOf(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.Equal(t, model.KindInternal, model.KindOf(base))
	assert.Equal(t, "gateway failed: boom", model.Wrap(model.KindUpstream, base, "gateway failed").Error())
	assert.Equal(t, "bad 7", model.Errorf(model.KindValidation, "bad %d", 7).Error())
}

type sizeErr struct{}

func (sizeErr) Error() string         { return "too big" }
func (sizeErr) ErrorKind() model.Kind { return model.KindSizeLimit }

func TestKindOfKindedError(t *testing.T) {
	err := fmt.Errorf("fetch reference: %w", sizeErr{})
	assert.Equal(t, model.KindSizeLimit, model.KindOf(err))

	outer := model.Wrap(model.KindValidation, err, "reference rejected")
	assert.Equal(t, model.KindValidation, model.KindOf(outer), "explicit kind wins")
}

func TestCanonicalTag(t *testing.T) {
	c, ok := model.CanonicalTag("C2PA-Manifest-ID")
	assert.True(t, ok)
	assert.Equal(t, model.TagManifestID, c)

	c, ok = model.CanonicalTag("pHash")
	assert.True(t, ok)
	assert.Equal(t, model.TagPHash, c)

	_, ok = model.CanonicalTag("C2PA-SoftBinding-Alg")
	assert.False(t, ok, "repeated binding tags are not single-valued")
}

func TestIsSupportedAlgorithm(t *testing.T) {
	assert.True(t, model.IsSupportedAlgorithm(model.AlgPHash))
	assert.False(t, model.IsSupportedAlgorithm("com.example.watermark"))
}
