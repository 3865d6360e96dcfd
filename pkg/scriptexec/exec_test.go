package scriptexec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/deploycore/pkg/engine"
)

func TestRun(t *testing.T) {
	res, err := Run(context.Background(), Options{
		Script: `echo "out $GREETING"; echo err >&2`,
		Env:    map[string]string{"GREETING": "hello"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "out hello" {
		t.Errorf("Expected 'out hello', got %q", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "err" {
		t.Errorf("Expected 'err', got %q", res.Stderr)
	}
	if res.ExitCode != 0 {
		t.Errorf("Expected exit 0, got %d", res.ExitCode)
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	res, err := Run(context.Background(), Options{Script: "exit 3"})
	if err != nil {
		t.Fatalf("Expected a non-zero exit to be reported in the result, got %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("Expected exit 3, got %d", res.ExitCode)
	}
}

func TestRun_Timeout(t *testing.T) {
	_, err := Run(context.Background(), Options{Script: "sleep 5", Timeout: 50 * time.Millisecond})
	if !engine.IsTimeout(err) {
		t.Fatalf("Expected timeout, got %v", err)
	}
}

func TestRun_EmptyScript(t *testing.T) {
	if _, err := Run(context.Background(), Options{}); !engine.IsInvalidArguments(err) {
		t.Fatalf("Expected invalid arguments, got %v", err)
	}
}

func TestRunWithOutputFile(t *testing.T) {
	res, data, err := RunWithOutputFile(context.Background(), Options{
		Script: `echo "$INSTANCE_OUTPUT_PATH"; printf '{"hosts":["a","b"]}' > "$INSTANCE_OUTPUT_PATH"`,
	})
	if err != nil {
		t.Fatalf("RunWithOutputFile failed: %v", err)
	}
	if string(data) != `{"hosts":["a","b"]}` {
		t.Errorf("Unexpected output %q", data)
	}

	dir := filepath.Dir(strings.TrimSpace(res.Stdout))
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("Expected work directory %s to be removed, got %v", dir, err)
	}
}

func TestRunWithOutputFile_CleansUpOnFailure(t *testing.T) {
	tests := []struct {
		name   string
		script string
		check  func(error) bool
	}{
		{"non-zero exit", `echo "$INSTANCE_OUTPUT_PATH"; exit 2`, func(err error) bool {
			var exitErr *ExitError
			return errors.As(err, &exitErr) && exitErr.Code == 2
		}},
		{"missing output", `echo "$INSTANCE_OUTPUT_PATH"`, engine.IsInvalidArguments},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, _, err := RunWithOutputFile(context.Background(), Options{Script: tt.script})
			if !tt.check(err) {
				t.Fatalf("Unexpected error %v", err)
			}
			dir := filepath.Dir(strings.TrimSpace(res.Stdout))
			if _, err := os.Stat(dir); !os.IsNotExist(err) {
				t.Errorf("Expected work directory %s to be removed, got %v", dir, err)
			}
		})
	}
}
