package apierr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWOUDC_APIErr_IsMatchesKindThroughWrapping(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("explore: %w", Field(UnknownField, "translate", "ozone_column", "unknown field"))

	assert.ErrorIs(t, err, UnknownField)
	assert.NotErrorIs(t, err, BadQuery)
	assert.Equal(t, UnknownField, KindOf(err))
	assert.True(t, Is(err, UnknownField))
	assert.Contains(t, err.Error(), "ozone_column")
}

func TestWOUDC_APIErr_WrapKeepsCause(t *testing.T) {
	t.Parallel()
	cause := errors.New("dial tcp 10.0.0.1:9200: connection refused")
	err := Wrap(Unavailable, "search", cause)

	require.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, Unavailable)
	assert.Equal(t, "search: unavailable: dial tcp 10.0.0.1:9200: connection refused", err.Error())
	assert.Nil(t, Wrap(Timeout, "search", nil))
}

func TestWOUDC_APIErr_KindOfPlainError(t *testing.T) {
	t.Parallel()
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.False(t, Is(nil, KindUnknown))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "op timed out" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestWOUDC_APIErr_Classify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: KindUnknown},
		{name: "already classified", err: New(BadQuery, "search", "parsing_exception"), want: BadQuery},
		{name: "net timeout", err: timeoutErr{}, want: Timeout},
		{name: "net op error", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, want: Unavailable},
		{name: "connection refused", err: errors.New("connection refused"), want: Unavailable},
		{name: "eof", err: errors.New("unexpected EOF"), want: Unavailable},
		{name: "timeout text", err: errors.New("request timed out"), want: Timeout},
		{name: "canceled", err: context.Canceled, want: KindUnknown},
		{name: "other", err: errors.New("mapper_parsing_exception"), want: KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestWOUDC_APIErr_Transient(t *testing.T) {
	t.Parallel()
	assert.True(t, Unavailable.Transient())
	assert.True(t, Timeout.Transient())
	assert.False(t, BadQuery.Transient())
	assert.False(t, InvalidDataset.Transient())
}

func TestWOUDC_APIErr_UserMessage(t *testing.T) {
	t.Parallel()
	assert.Empty(t, UserMessage(nil))
	assert.Equal(t, "resolve: empty dataset name", UserMessage(New(InvalidDataset, "resolve", "empty dataset name")))
	assert.Contains(t, UserMessage(Wrap(Unavailable, "search", errors.New("x"))), "temporarily unavailable")
	assert.Contains(t, UserMessage(errors.New("x")), "unexpected")
}
