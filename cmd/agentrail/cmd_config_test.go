package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/user/agentrail/internal/config"
)

func TestPrintConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("AGENTRAIL_DATA_DIR", "/srv/agentrail")
	t.Setenv("AGENTRAIL_LOG_LEVEL", "")

	cfg, err := config.Load(filepath.Join(home, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := printConfig(&buf, cfg); err != nil {
		t.Fatal(err)
	}
	out := buf.String()

	for _, want := range []string{
		"data_dir = /srv/agentrail  (from AGENTRAIL_DATA_DIR)\n",
		"drop_dir =   (watching /srv/agentrail/inbox)\n",
		"log_level = info\n",
		"resolver.min_confidence = 0.75\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}
