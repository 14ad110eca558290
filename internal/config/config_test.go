package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/m-lab/go/testingx"

	"github.com/cdnprobe/cdnprobe/internal/config"
)

const validYAML = `
targets:
  - engine: rangeget
    candidates:
      - url: https://cdn-a.example.com/files/1GB.bin
        edge: ams-edge-7
        class: near-cache
      - url: https://cdn-b.example.com/speedtest/large
        class: distant
  - engine: wsecho
    candidates:
      - url: http://echo.example.com/probe
`

func TestParse(t *testing.T) {
	c, err := config.Parse([]byte(validYAML))
	testingx.Must(t, err, "parsing valid config")

	if len(c.Targets) != 2 {
		t.Fatalf("parsed %d target sets, want 2", len(c.Targets))
	}
	cands := c.CandidatesFor("rangeget")
	if len(cands) != 2 {
		t.Fatalf("rangeget has %d candidates, want 2", len(cands))
	}
	if cands[0].Edge != "ams-edge-7" || cands[0].Class != "near-cache" {
		t.Errorf("candidate metadata not carried through: %+v", cands[0])
	}
	if c.CandidatesFor("nope") != nil {
		t.Error("CandidatesFor returned candidates for an unknown engine")
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"not yaml", "targets: ["},
		{"missing engine name", "targets:\n  - candidates:\n      - url: http://x.example.com/a\n"},
		{"no candidates", "targets:\n  - engine: rangeget\n    candidates: []\n"},
		{"relative url", "targets:\n  - engine: rangeget\n    candidates:\n      - url: /just/a/path\n"},
		{"unsupported scheme", "targets:\n  - engine: rangeget\n    candidates:\n      - url: ftp://x.example.com/a\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := config.Parse([]byte(tc.yaml)); err == nil {
				t.Errorf("Parse accepted invalid config")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.yaml")
	testingx.Must(t, os.WriteFile(path, []byte(validYAML), 0o644), "writing config file")

	c, err := config.Load(path)
	testingx.Must(t, err, "loading config")
	if len(c.CandidatesFor("wsecho")) != 1 {
		t.Error("loaded config missing wsecho candidates")
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load succeeded on a missing file")
	}
}
