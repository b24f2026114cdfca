package payload

import (
	"archive/zip"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
)

// payloadEntry is the name of the payload inside an OTA package.
const payloadEntry = "payload.bin"

// HasPayloadBin reports whether the zip archive at filename carries a
// non-empty payload.bin.
func HasPayloadBin(filename string) bool {
	zipReader, err := zip.OpenReader(filename)
	if err != nil {
		return false
	}
	defer zipReader.Close()
	for _, file := range zipReader.File {
		if file.Name == payloadEntry && file.UncompressedSize64 > 0 {
			return true
		}
	}
	return false
}

// ExtractPayloadBin copies payload.bin out of the OTA zip at filename into a
// temp file under dir and returns its path. The caller removes it.
func ExtractPayloadBin(filename, dir, prefix string) (string, error) {
	zipReader, err := zip.OpenReader(filename)
	if err != nil {
		return "", errors.Wrapf(err, "not a valid zip archive: %s", filename)
	}
	defer zipReader.Close()

	for _, file := range zipReader.File {
		if file.Name != payloadEntry || file.UncompressedSize64 == 0 {
			continue
		}
		zippedFile, err := file.Open()
		if err != nil {
			return "", errors.Wrapf(err, "failed to read zipped file: %s", file.Name)
		}
		defer zippedFile.Close()

		tempfile, err := os.CreateTemp(dir, fmt.Sprintf("%s_payload_*.bin", prefix))
		if err != nil {
			return "", errors.Wrap(err, "failed to create temp file")
		}
		if _, err := io.Copy(tempfile, zippedFile); err != nil {
			tempfile.Close()
			os.Remove(tempfile.Name())
			return "", errors.Wrapf(err, "failed to extract %s", file.Name)
		}
		if err := tempfile.Close(); err != nil {
			os.Remove(tempfile.Name())
			return "", err
		}
		return tempfile.Name(), nil
	}
	return "", errors.Errorf("%s has no %s", filename, payloadEntry)
}
