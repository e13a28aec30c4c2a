//go:build !gocv

package io

import "saimfit/internal/core"

// LoadMultiPage needs OpenCV; build with -tags gocv to enable it.
func (il *ImageLoader) LoadMultiPage(path string) (*core.Stack, error) {
	il.logger.WithField("filepath", path).Warn("LOADER: Multi-page loading not compiled in")
	return nil, ErrMultiPageUnsupported
}
