// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset loads the malaria cell images dataset, splits it into train/validation/test, and serves
// resized, rescaled and (optionally) augmented batches as a train.Dataset.
//
// The images are thin blood smear cells, segmented from slides by the U.S. National Library of Medicine,
// labeled as either "Parasitized" or "Uninfected".
package dataset

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/gomlx/malaria/internal/downloader"
	"github.com/gomlx/malaria/internal/workerspool"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	DownloadURL  = "https://data.lhncbc.nlm.nih.gov/public/Malaria/cell_images.zip"
	LocalZipFile = "cell_images.zip"
	LocalZipDir  = "cell_images"

	// DownloadChecksum of the archive (SHA-256, hex encoded). Empty disables the check.
	DownloadChecksum = ""
)

// Label of a cell image.
type Label int8

const (
	Parasitized Label = iota
	Uninfected
)

// NumClasses is the number of labels: it's a binary classification problem.
const NumClasses = 2

func (l Label) String() string {
	switch l {
	case Parasitized:
		return "Parasitized"
	case Uninfected:
		return "Uninfected"
	}
	return "Unknown"
}

// LabelNames indexed by Label, also the name of the subdirectories holding the images of each class.
var LabelNames = []string{Parasitized.String(), Uninfected.String()}

// Example is one labeled image of the dataset.
type Example struct {
	Path  string
	Label Label
}

// Download the malaria dataset to baseDir and unzip it, if not there yet.
func Download(baseDir string) error {
	zipFilePath := path.Join(baseDir, LocalZipFile)
	targetZipPath := path.Join(baseDir, LocalZipDir)
	return downloader.DownloadAndUnzipIfMissing(DownloadURL, zipFilePath, baseDir, targetZipPath, DownloadChecksum)
}

// isImageFile returns whether the file name has one of the image extensions we know how to decode.
// The archive includes a few stray "Thumbs.db" files, which are skipped.
func isImageFile(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	return ext == ".png" || ext == ".jpg" || ext == ".jpeg"
}

// Scan lists the images of both classes under baseDir/cell_images, sorted by path within each class.
//
// It returns an error if one of the class directories is missing or has no images.
func Scan(baseDir string) ([]Example, error) {
	var examples []Example
	for labelIdx, subDir := range LabelNames {
		dir := path.Join(baseDir, LocalZipDir, subDir)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list images of class %q", subDir)
		}
		var names []string
		for _, entry := range entries {
			if entry.IsDir() || !isImageFile(entry.Name()) {
				continue
			}
			names = append(names, entry.Name())
		}
		if len(names) == 0 {
			return nil, errors.Errorf("no images found for class %q in %q", subDir, dir)
		}
		sort.Strings(names)
		for _, name := range names {
			examples = append(examples, Example{Path: path.Join(dir, name), Label: Label(labelIdx)})
		}
		klog.V(1).Infof("found %d images of class %s", len(names), subDir)
	}
	return examples, nil
}

// FilterValid checks that every image can have its header decoded, and returns separately the valid
// and the invalid examples, in their original order. Invalid ones are logged.
//
// The images are checked in parallel.
func FilterValid(examples []Example) (valid, invalid []Example) {
	errs := make([]error, len(examples))
	workerspool.New().ForEach(len(examples), func(ii int) {
		errs[ii] = checkImage(examples[ii].Path)
	})
	valid = make([]Example, 0, len(examples))
	for ii, ex := range examples {
		if errs[ii] != nil {
			klog.Warningf("skipping invalid image %q: %v", ex.Path, errs[ii])
			invalid = append(invalid, ex)
			continue
		}
		valid = append(valid, ex)
	}
	return
}

func checkImage(imagePath string) error {
	f, err := os.Open(imagePath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return errors.Errorf("invalid image dimensions %dx%d", cfg.Width, cfg.Height)
	}
	return nil
}

// GetImageFromFilePath reads and decodes an image file.
func GetImageFromFilePath(imagePath string) (image.Image, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	return img, err
}

// CountLabels returns the number of examples per label.
func CountLabels(examples []Example) (counts [NumClasses]int) {
	for _, ex := range examples {
		counts[ex.Label]++
	}
	return
}
