package mime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseParams(t *testing.T) {
	p := ParseParams(`multipart/mixed; boundary="abc 123"; charset=utf-8`)
	assert.Equal(t, "multipart/mixed", p.Value)
	assert.Equal(t, "multipart", p.Type())
	assert.Equal(t, "abc 123", p.Boundary())
	assert.Equal(t, "utf-8", p.Charset())
}

func TestParseParamsDefaultCharset(t *testing.T) {
	p := ParseParams("text/plain")
	assert.Equal(t, "us-ascii", p.Charset())
}
