package progress

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispatchNilCallback(t *testing.T) {
	assert.NoError(t, Dispatch(nil, Update{Message: "ignored"}))
}

func TestDispatchNormalizesNewline(t *testing.T) {
	var got Update
	err := Dispatch(func(u Update) error {
		got = u
		return nil
	}, Update{Kind: KindStatus, Message: "running read_file", AddNewLine: true})

	assert.NoError(t, err)
	assert.Equal(t, "running read_file\n", got.Message)
	assert.False(t, got.ShouldStream())
}

func TestDispatchPropagatesError(t *testing.T) {
	want := errors.New("ui closed")
	err := Dispatch(func(Update) error { return want }, Update{Kind: KindText, Message: "x"})
	assert.ErrorIs(t, err, want)
	assert.True(t, Update{Kind: KindText}.ShouldStream())
}
