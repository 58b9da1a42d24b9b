package main

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/oy-ilho/jupyterlab-codex/pkg/protocol"
)

func TestLoadImages(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "plot.png")
	pngData := []byte("\x89PNG\r\n\x1a\nrest")
	if err := os.WriteFile(png, pngData, 0o644); err != nil {
		t.Fatal(err)
	}
	unknown := filepath.Join(dir, "capture")
	if err := os.WriteFile(unknown, []byte("GIF89a...."), 0o644); err != nil {
		t.Fatal(err)
	}

	images, err := loadImages([]string{png, unknown})
	if err != nil {
		t.Fatalf("loadImages() error = %v", err)
	}
	if len(images) != 2 {
		t.Fatalf("images = %+v", images)
	}
	if want := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngData); images[0].Name != "plot.png" || images[0].DataURL != want {
		t.Errorf("images[0] = %+v", images[0])
	}
	if !strings.HasPrefix(images[1].DataURL, "data:image/gif;base64,") {
		t.Errorf("sniffed data URL = %s", images[1].DataURL)
	}

	if _, err := loadImages([]string{filepath.Join(dir, "missing.png")}); err == nil {
		t.Error("loadImages(missing) succeeded")
	}
}

func TestTurnPrinter(t *testing.T) {
	var out, errOut bytes.Buffer
	p := &turnPrinter{out: &out, errOut: &errOut}

	p.Emit(protocol.NewStatus(protocol.StateRunning, protocol.Scope{SessionID: "S1"}))
	p.Emit(protocol.NewOutput(protocol.Scope{}, "assistant", "hello"))
	p.Emit(protocol.NewOutput(protocol.Scope{}, "system", "warming up"))
	e := protocol.NewError(protocol.Scope{}, "Cannot find executable 'codex'.")
	e.SuggestedCommandPath = "/opt/codex"
	p.Emit(e)

	if out.String() != "hello\n" {
		t.Errorf("stdout = %q", out.String())
	}
	want := "[system] warming up\nerror: Cannot find executable 'codex'.\nhint: rerun with --command /opt/codex\n"
	if errOut.String() != want {
		t.Errorf("stderr = %q", errOut.String())
	}
	if !p.failed {
		t.Error("error message did not mark the turn failed")
	}
}

func TestTurnPrinterJSON(t *testing.T) {
	var out, errOut bytes.Buffer
	p := &turnPrinter{out: &out, errOut: &errOut, raw: true}
	p.Emit(protocol.NewOutput(protocol.Scope{RunID: "r1"}, "assistant", "hi"))

	want := `{"type":"output","protocolVersion":"1.0.0","runId":"r1","text":"hi","role":"assistant"}` + "\n"
	if out.String() != want {
		t.Errorf("stdout = %q, want %q", out.String(), want)
	}
	if errOut.Len() != 0 {
		t.Errorf("stderr = %q", errOut.String())
	}
}
