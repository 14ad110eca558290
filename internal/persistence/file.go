// Package persistence writes archival measurement records to disk as
// gzip-compressed JSON, laid out by data type and date.
package persistence

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path"
	"time"
)

// DataFile is the file where we save measurements.
type DataFile struct {
	writer io.WriteCloser
	fp     *os.File

	// Path is the full path of the file on disk.
	Path string
}

func newDataFile(datadir, datatype, runID string) (*DataFile, error) {
	timestamp := time.Now()
	dir := path.Join(datadir, datatype, timestamp.Format("2006/01/02"))
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, err
	}
	filepath := path.Join(dir, datatype+"-"+
		timestamp.Format("20060102T150405.000000000Z")+"."+runID+".json.gz")
	fp, err := os.OpenFile(filepath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	writer, err := gzip.NewWriterLevel(fp, gzip.BestSpeed)
	if err != nil {
		fp.Close()
		return nil, err
	}
	return &DataFile{
		writer: writer,
		fp:     fp,
		Path:   filepath,
	}, nil
}

// New creates a DataFile for saving results in datadir.
func New(datadir, datatype, runID string) (*DataFile, error) {
	return newDataFile(datadir, datatype, runID)
}

// Write writes a JSON representation of result to this file.
func (df *DataFile) Write(result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = df.writer.Write(data)
	return err
}

// Close closes the gzip writer and the file.
func (df *DataFile) Close() error {
	err := df.writer.Close()
	if err != nil {
		df.fp.Close()
		return err
	}
	return df.fp.Close()
}

// WriteDataFile writes result to a new DataFile in datadir and returns its
// path.
func WriteDataFile(datadir, datatype, runID string, result interface{}) (string, error) {
	df, err := New(datadir, datatype, runID)
	if err != nil {
		return "", err
	}
	if err := df.Write(result); err != nil {
		df.Close()
		return "", err
	}
	if err := df.Close(); err != nil {
		return "", err
	}
	return df.Path, nil
}
