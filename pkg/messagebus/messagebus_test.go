package messagebus

import (
	"net/http"
	"testing"

	perrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
)

func TestPublishOutput_OK(t *testing.T) {
	tests := []struct {
		name string
		out  *PublishOutput
		want bool
	}{
		{"nil", nil, false},
		{"zero", &PublishOutput{}, false},
		{"ok", &PublishOutput{StatusCode: http.StatusOK}, true},
		{"accepted", &PublishOutput{StatusCode: http.StatusAccepted}, true},
		{"no content", &PublishOutput{StatusCode: http.StatusNoContent}, true},
		{"redirect", &PublishOutput{StatusCode: http.StatusMultipleChoices}, false},
		{"server error", &PublishOutput{StatusCode: http.StatusInternalServerError}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.out.OK())
		})
	}
}

func TestSignVerify(t *testing.T) {
	const secret = "s3cret"
	body := `{"actions":[{"action":"flush_all"}]}`
	sig := Sign(secret, body)

	assert.Len(t, sig, 64)
	assert.NoError(t, Verify(secret, body, sig))

	err := Verify(secret, `{"actions":[{"action":"dbcache_flush"}]}`, sig)
	assert.Equal(t, perrors.CodeUnauthorized, perrors.GetCode(err))

	err = Verify(secret, body, "")
	assert.Equal(t, perrors.CodeUnauthorized, perrors.GetCode(err))

	err = Verify(secret, body, Sign("other", body))
	assert.Equal(t, perrors.CodeUnauthorized, perrors.GetCode(err))

	assert.Empty(t, Sign("", body))
	assert.NoError(t, Verify("", body, ""))
}
