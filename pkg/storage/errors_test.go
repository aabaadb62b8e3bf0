package storage

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStorageErrorWrapping(t *testing.T) {
	wrapped := wrapError(io.ErrUnexpectedEOF, true)

	var se *StorageError
	assert.True(t, errors.As(wrapped, &se))
	assert.ErrorIs(t, wrapped, io.ErrUnexpectedEOF)
	assert.Contains(t, wrapped.Error(), io.ErrUnexpectedEOF.Error())
}

func TestStorageErrorPassthrough(t *testing.T) {
	// without opt-in wrapping the backend error is returned untouched
	err := wrapError(io.ErrUnexpectedEOF, false)
	assert.Equal(t, io.ErrUnexpectedEOF, err)

	var se *StorageError
	assert.False(t, errors.As(err, &se))

	assert.Nil(t, wrapError(nil, true))
}
