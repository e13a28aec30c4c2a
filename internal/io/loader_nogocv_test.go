//go:build !gocv

package io

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadMultiPageUnsupported(t *testing.T) {
	_, err := testLoader().LoadMultiPage("stack.tif")
	assert.ErrorIs(t, err, ErrMultiPageUnsupported)
}
