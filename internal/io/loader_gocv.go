//go:build gocv

package io

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"saimfit/internal/core"
)

// LoadMultiPage loads every page of a multi-page TIFF as one frame.
func (il *ImageLoader) LoadMultiPage(path string) (*core.Stack, error) {
	il.logger.WithField("filepath", path).Debug("LOADER: Loading multi-page image")

	mats := gocv.IMReadMulti(path, gocv.IMReadUnchanged)
	defer func() {
		for _, m := range mats {
			m.Close()
		}
	}()
	if len(mats) == 0 {
		return nil, fmt.Errorf("failed to load image: %s", path)
	}

	width, height := mats[0].Cols(), mats[0].Rows()
	frames := make([][]float32, 0, len(mats))
	for i, m := range mats {
		if m.Channels() != 1 {
			return nil, fmt.Errorf("page %d of %s has %d channels, want grayscale", i, path, m.Channels())
		}
		if m.Cols() != width || m.Rows() != height {
			return nil, &core.ShapeError{Reason: fmt.Sprintf("page %d is %dx%d, first page is %dx%d", i, m.Cols(), m.Rows(), width, height)}
		}
		frame, err := matValues(m)
		if err != nil {
			return nil, fmt.Errorf("page %d of %s: %w", i, path, err)
		}
		frames = append(frames, frame)
	}

	stack := core.NewStack(width, height, frames)
	if err := stack.Validate(); err != nil {
		return nil, err
	}
	il.logger.WithFields(logrus.Fields{
		"filepath": path,
		"width":    width,
		"height":   height,
		"depth":    len(frames),
	}).Info("LOADER: Multi-page image loaded")
	return stack, nil
}

func matValues(m gocv.Mat) ([]float32, error) {
	f := gocv.NewMat()
	defer f.Close()
	m.ConvertTo(&f, gocv.MatTypeCV32F)
	data, err := f.DataPtrFloat32()
	if err != nil {
		return nil, err
	}
	return append([]float32(nil), data...), nil
}
