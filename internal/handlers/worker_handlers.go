package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/manishadha/velu/internal/queue"
	"github.com/manishadha/velu/internal/registry"
)

// AttemptsField is the payload key the worker loop injects with the job's
// current attempt count before dispatch, so test-only handlers like
// fail_n can observe retry state without widening the Handler signature.
const AttemptsField = "_attempts"

type failNPayload struct {
	FailTimes int `json:"fail_times"`
	Attempts  int `json:"_attempts"`
}

// failNHandler is a synthetic test handler: it fails until the job has
// already been attempted fail_times times, then succeeds.
func failNHandler(name string, payload json.RawMessage) (json.RawMessage, error) {
	var p failNPayload
	_ = json.Unmarshal(payload, &p)

	if p.Attempts < p.FailTimes {
		return nil, fmt.Errorf("induced failure %d/%d", p.Attempts+1, p.FailTimes)
	}
	out, _ := json.Marshal(map[string]interface{}{
		"ok":      true,
		"message": fmt.Sprintf("passed after %d failures", p.FailTimes),
	})
	return out, nil
}

type generateCodePayload struct {
	Module string `json:"module"`
}

// generateCodeHandler writes deterministic scaffold files for module under
// a generated/ workspace and reports their paths.
func generateCodeHandler(payload json.RawMessage) (json.RawMessage, error) {
	var p generateCodePayload
	_ = json.Unmarshal(payload, &p)
	module := p.Module
	if module == "" {
		module = "hello_mod"
	}

	base := "generated"
	srcPath := filepath.Join(base, "src", module+".py")
	testPath := filepath.Join(base, "tests", "test_"+module+".py")

	srcContent := fmt.Sprintf("\"\"\"Generated module %s.\"\"\"\n\n\ndef run():\n    return %q\n", module, module)
	testContent := fmt.Sprintf("from src.%s import run\n\n\ndef test_run():\n    assert run() == %q\n", module, module)

	if err := writeFile(srcPath, srcContent); err != nil {
		return nil, err
	}
	if err := writeFile(testPath, testContent); err != nil {
		return nil, err
	}

	out, _ := json.Marshal(map[string]interface{}{
		"ok":     true,
		"module": module,
		"files":  []string{srcPath, testPath},
	})
	return out, nil
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("generate_code: mkdir %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("generate_code: write %s: %w", path, err)
	}
	return nil
}

type runTestsPayload struct {
	CodeJobID string `json:"code_job_id"`
}

// runTestsHandler depends on a prior generate_code job having completed.
// It does not shell out to a real test runner; it reports a simulated
// pass once the dependency is satisfied, matching the sandboxed posture
// of the execute handler.
func runTestsHandler(q *queue.Queue) registry.Handler {
	return func(name string, payload json.RawMessage) (json.RawMessage, error) {
		var p runTestsPayload
		_ = json.Unmarshal(payload, &p)
		if p.CodeJobID == "" {
			return nil, fmt.Errorf("run_tests: missing code_job_id")
		}

		dep, err := q.Load(context.Background(), p.CodeJobID)
		if err != nil {
			return nil, fmt.Errorf("run_tests: load dependency: %w", err)
		}
		if dep == nil || dep.Status != queue.StatusDone {
			return nil, fmt.Errorf("dependency job %s not ready", p.CodeJobID)
		}

		out, _ := json.Marshal(map[string]interface{}{
			"ok":     true,
			"stdout": "1 passed",
			"stderr": "",
		})
		return out, nil
	}
}
