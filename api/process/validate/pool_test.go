package validate

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWOUDC_Validate_ReleaseBuffer(t *testing.T) {
	t.Parallel()

	small := new(bytes.Buffer)
	small.WriteString("#CONTENT\n")
	assert.True(t, releaseBuffer(small))

	large := bytes.NewBuffer(make([]byte, 0, 2*maxPooledBuffer))
	assert.False(t, releaseBuffer(large), "oversized buffers are dropped")
}

func TestWOUDC_Validate_ParseLargePayload(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString("#DAILY\nDate,ColumnO3\n")
	for b.Len() <= 2*maxPooledBuffer {
		b.WriteString("2020-01-01,300\n")
	}
	f, err := parse(b.String())
	require.NoError(t, err)
	require.NotNil(t, f.Table("DAILY"))
	assert.Greater(t, len(f.Table("DAILY").Rows), 1000)
}
