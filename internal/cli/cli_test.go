package cli

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrCodeEU/facegate/internal/config"
	"github.com/MrCodeEU/facegate/internal/liveness"
	"github.com/MrCodeEU/facegate/pkg/models"
)

// execute runs the command tree against a default configuration file
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cfgPath := filepath.Join(t.TempDir(), "facegate.yaml")
	cfg := config.DefaultConfig()
	cfg.Logging.File = filepath.Join(t.TempDir(), "facegate.log")
	if err := cfg.Save(cfgPath); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", cfgPath}, args...))

	err := root.Execute()
	return out.String(), err
}

func writeNoisePNG(t *testing.T) string {
	t.Helper()

	rng := rand.New(rand.NewPCG(7, 11))
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = uint8(rng.IntN(256))
	}

	path := filepath.Join(t.TempDir(), "noise.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAnalyzeCommand(t *testing.T) {
	path := writeNoisePNG(t)

	t.Run("Sharp", func(t *testing.T) {
		out, err := execute(t, "analyze", path)
		if err != nil {
			t.Fatalf("analyze error = %v", err)
		}
		if !strings.Contains(out, "Verdict: live") {
			t.Errorf("output = %q", out)
		}
		if !strings.Contains(out, "Region:  64x64 at (0,0)") {
			t.Errorf("output = %q", out)
		}
	})

	t.Run("Blurred", func(t *testing.T) {
		out, err := execute(t, "analyze", path, "--blur", "7")
		if err != nil {
			t.Fatalf("analyze error = %v", err)
		}
		if !strings.Contains(out, "Verdict: spoofed") {
			t.Errorf("output = %q", out)
		}
	})

	t.Run("BoxJSON", func(t *testing.T) {
		out, err := execute(t, "analyze", path, "--box", "8,8,32,32", "--json")
		if err != nil {
			t.Fatalf("analyze error = %v", err)
		}
		var verdict liveness.Verdict
		if err := json.Unmarshal([]byte(out), &verdict); err != nil {
			t.Fatalf("output is not a verdict: %v\n%s", err, out)
		}
		if verdict.IsSpoofed || verdict.Degraded || verdict.FocusScore <= 0 {
			t.Errorf("verdict = %+v", verdict)
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		if _, err := execute(t, "analyze", filepath.Join(t.TempDir(), "none.png")); err == nil {
			t.Error("expected error for missing image")
		}
	})

	t.Run("BadBox", func(t *testing.T) {
		if _, err := execute(t, "analyze", path, "--box", "1,2,3"); err == nil {
			t.Error("expected error for malformed box")
		}
	})
}

func TestParseBox(t *testing.T) {
	tests := []struct {
		in      string
		want    models.Box
		wantErr bool
	}{
		{"10,20,30,40", models.Box{X: 10, Y: 20, Width: 30, Height: 40}, false},
		{" 1.5, 2 ,3,4 ", models.Box{X: 1.5, Y: 2, Width: 3, Height: 4}, false},
		{"1,2,0,4", models.Box{}, true},
		{"1,2,x,4", models.Box{}, true},
		{"", models.Box{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBox(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseBox(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseBox(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestConfigCommands(t *testing.T) {
	t.Run("Show", func(t *testing.T) {
		out, err := execute(t, "config", "show")
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(out, "match_rejection_threshold: 0.6") {
			t.Errorf("output = %q", out)
		}
	})

	t.Run("Validate", func(t *testing.T) {
		out, err := execute(t, "config", "validate")
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(out, "Configuration is valid") {
			t.Errorf("output = %q", out)
		}
	})

	t.Run("Init", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "new.yaml")
		if _, err := execute(t, "config", "init", path); err != nil {
			t.Fatal(err)
		}

		cfg, err := config.Load(path)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Server.Address != ":8080" {
			t.Errorf("server address = %q", cfg.Server.Address)
		}

		if _, err := execute(t, "config", "init", path); err == nil {
			t.Error("expected error when file exists")
		}
		if _, err := execute(t, "config", "init", path, "--force"); err != nil {
			t.Errorf("--force error = %v", err)
		}
	})
}

func TestEnrollListWithoutCache(t *testing.T) {
	if _, err := execute(t, "enroll", "--list"); err == nil {
		t.Error("expected error when the cache is disabled")
	}
}
