package cortexerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWalksWrapChain(t *testing.T) {
	inner := New(KindNotFound, "thread %s not found", "t1")
	outer := fmt.Errorf("while handling request: %w", inner)

	assert.Equal(t, KindNotFound, KindOf(outer))
	assert.True(t, Is(outer, KindNotFound))
}

func TestUnclassifiedIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(KindDownloadFailed, cause, "fetch %s", "http://x")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "fetch http://x")
	assert.Contains(t, err.Error(), "refused")
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindNotFound:         http.StatusNotFound,
		KindAlreadyExists:    http.StatusConflict,
		KindBadRequest:       http.StatusBadRequest,
		KindIncompatibleHost: http.StatusBadRequest,
		KindEngineBusy:       http.StatusTooManyRequests,
		KindEngineError:      http.StatusBadGateway,
		KindDownloadFailed:   http.StatusBadGateway,
		KindCancelled:        499,
		KindLoadFailed:       http.StatusInternalServerError,
		KindInternal:         http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(New(kind, "x")), string(kind))
	}
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("raw")))
}
