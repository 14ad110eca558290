package persistence_test

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/cdnprobe/cdnprobe/internal/persistence"
)

// A struct that can be marshalled to JSON.
type MarshallableStruct struct {
	Test string
}

func TestWriteDataFile(t *testing.T) {
	datadir := t.TempDir()
	testdata := MarshallableStruct{Test: "foo"}

	path, err := persistence.WriteDataFile(datadir, "cdnprobe", "fake-run-id", testdata)
	if err != nil {
		t.Fatalf("cannot create test datafile: %v", err)
	}

	// Check the generated path.
	prefix := fmt.Sprintf("%s/cdnprobe/%s/cdnprobe-", datadir, time.Now().Format("2006/01/02"))
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, "fake-run-id.json.gz") {
		t.Errorf("invalid output path: %s", path)
	}

	// Check the file contents round-trip through gzip.
	fp, err := os.Open(path)
	if err != nil {
		t.Fatalf("error opening datafile: %v", err)
	}
	defer fp.Close()
	gz, err := gzip.NewReader(fp)
	if err != nil {
		t.Fatalf("datafile is not valid gzip: %v", err)
	}
	content, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("error reading datafile: %v", err)
	}
	if string(content) != `{"Test":"foo"}` {
		t.Errorf("unexpected file content: %s", string(content))
	}
}

func TestWriteDataFile_BadDir(t *testing.T) {
	if _, err := persistence.WriteDataFile("/dev/null/not-a-dir", "cdnprobe", "id",
		MarshallableStruct{}); err == nil {
		t.Error("WriteDataFile succeeded with an invalid data directory")
	}
}
