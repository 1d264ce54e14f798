package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaderCaseInsensitiveOps(t *testing.T) {
	h := NewHeader(
		HeaderField{Name: "Set-Cookie", Value: "a=1"},
		HeaderField{Name: "X-Test", Value: "1"},
		HeaderField{Name: "set-cookie", Value: "b=2"},
	)

	assert.Equal(t, "a=1", h.Get("SET-COOKIE"))
	assert.True(t, h.Has("x-test"))

	h.Set("Set-Cookie", "c=3")
	assert.Equal(t, []HeaderField{
		{Name: "Set-Cookie", Value: "c=3"},
		{Name: "X-Test", Value: "1"},
	}, h.Fields())

	h.Set("Content-Length", "0")
	assert.Equal(t, "Content-Length", h.Fields()[2].Name)

	h.Del("x-TEST")
	assert.False(t, h.Has("X-Test"))
	assert.Equal(t, 2, h.Len())
}

func TestHeaderCloneIsIndependent(t *testing.T) {
	h := NewHeader(HeaderField{Name: "A", Value: "1"})
	c := h.Clone()
	h.Reset()

	assert.Equal(t, 0, h.Len())
	assert.Equal(t, "1", c.Get("a"))
}
