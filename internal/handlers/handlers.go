// Package handlers implements the built-in task taxonomy: plan, codegen,
// execute, analyze, report, pipeline, and the worker's test-only
// handlers (fail_n, generate_code, run_tests). Grounded on
// original_source/services/agents/*.py, translated from payload-keyed
// dict handlers into typed JSON handlers.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/manishadha/velu/internal/queue"
	"github.com/manishadha/velu/internal/registry"
)

var safeLangs = map[string]bool{
	"python": true, "bash": true, "javascript": true, "typescript": true,
}

// Register returns an Overlay installing the built-in handlers. q is used
// by pipeline, plan's pipeline-mode expansion, and run_tests' dependency
// check; enablePipeline gates plan's implicit subjob expansion per the
// WORKER_ENABLE_PIPELINE flag.
func Register(q *queue.Queue, enablePipeline bool) registry.Overlay {
	return func(r *registry.Registry) {
		r.Register("plan", planHandler(q, enablePipeline))
		r.Register("codegen", registry.Adapt(codegenHandler))
		r.Register("execute", registry.Adapt(executeHandler))
		r.Register("analyze", analyzeHandler)
		r.Register("report", reportHandler)
		r.Register("pipeline", pipelineHandler(q))
		r.Register("fail_n", failNHandler)
		r.Register("generate_code", registry.Adapt(generateCodeHandler))
		r.Register("run_tests", runTestsHandler(q))
	}
}

type planPayload struct {
	Idea   string `json:"idea"`
	Module string `json:"module"`
}

func planText(p planPayload) string {
	idea := p.Idea
	if idea == "" {
		idea = "demo"
	}
	module := p.Module
	if module == "" {
		module = "hello_mod"
	}
	return fmt.Sprintf("%s via %s", idea, module)
}

// planHandler produces a textual plan. When enablePipeline is set and the
// payload names a module, it additionally re-enqueues generate_code and
// run_tests as subjobs, mirroring planner.py's implicit pipeline path.
func planHandler(q *queue.Queue, enablePipeline bool) registry.Handler {
	return func(name string, payload json.RawMessage) (json.RawMessage, error) {
		var p planPayload
		_ = json.Unmarshal(payload, &p)

		plan := planText(p)
		if !enablePipeline || p.Module == "" {
			out, _ := json.Marshal(map[string]interface{}{"ok": true, "plan": plan})
			return out, nil
		}

		ctx := context.Background()
		genPayload, _ := json.Marshal(map[string]string{"module": p.Module, "idea": p.Idea})
		genID, err := q.Enqueue(ctx, "generate_code", genPayload, 0, time.Time{})
		if err != nil {
			out, _ := json.Marshal(map[string]interface{}{"ok": false, "stage": "enqueue-generate_code", "error": err.Error()})
			return out, nil
		}

		testPayload, _ := json.Marshal(map[string]string{"code_job_id": genID})
		testID, err := q.Enqueue(ctx, "run_tests", testPayload, 0, time.Time{})
		if err != nil {
			out, _ := json.Marshal(map[string]interface{}{
				"ok": false, "stage": "enqueue-run_tests", "error": err.Error(),
				"subjobs": map[string]string{"generate_code": genID},
			})
			return out, nil
		}

		out, _ := json.Marshal(map[string]interface{}{
			"ok":   true,
			"plan": plan,
			"subjobs": map[string]string{
				"generate_code": genID,
				"run_tests":     testID,
			},
		})
		return out, nil
	}
}

type codegenPayload struct {
	Lang string `json:"lang"`
	Spec string `json:"spec"`
}

func codegenHandler(payload json.RawMessage) (json.RawMessage, error) {
	var p codegenPayload
	_ = json.Unmarshal(payload, &p)
	lang := strings.ToLower(p.Lang)
	if lang == "" {
		lang = "python"
	}
	spec := p.Spec
	if spec == "" {
		spec = "hello world"
	}

	if !safeLangs[lang] {
		out, _ := json.Marshal(map[string]interface{}{"ok": false, "error": "unsupported lang: " + lang, "data": map[string]interface{}{}})
		return out, nil
	}

	code := generateSource(lang, spec)
	out, _ := json.Marshal(map[string]interface{}{
		"ok": true,
		"artifact": map[string]string{
			"language": lang,
			"code":     code,
		},
	})
	return out, nil
}

func generateSource(lang, spec string) string {
	switch lang {
	case "bash":
		return fmt.Sprintf("#!/usr/bin/env bash\n# Auto-generated: %s\necho \"hello from codegen: %s\"\n", spec, spec)
	case "javascript", "typescript":
		return fmt.Sprintf("// Auto-generated: %s\nexport function main() {\n  console.log(\"hello from codegen: %s\");\n}\n", spec, spec)
	default:
		return fmt.Sprintf("\"\"\"Auto-generated: %s\"\"\"\ndef main():\n    print(\"hello from codegen: %s\")\n\nif __name__ == \"__main__\":\n    main()\n", spec, spec)
	}
}

type executePayload struct {
	Cmd string `json:"cmd"`
}

// executeHandler simulates command execution; it never shells out.
func executeHandler(payload json.RawMessage) (json.RawMessage, error) {
	var p executePayload
	_ = json.Unmarshal(payload, &p)
	cmd := p.Cmd
	if cmd == "" {
		cmd = "echo 'no cmd provided'"
	}
	out, _ := json.Marshal(map[string]interface{}{
		"ok":     true,
		"result": map[string]string{"message": "would run: " + cmd},
	})
	return out, nil
}

func analyzeHandler(name string, payload json.RawMessage) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	_ = json.Unmarshal(payload, &m)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	out, _ := json.Marshal(map[string]interface{}{
		"ok": true,
		"result": map[string]interface{}{
			"key_count": len(keys),
			"keys":      keys,
			"summary":   "analysis complete",
		},
	})
	return out, nil
}

func reportHandler(name string, payload json.RawMessage) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	_ = json.Unmarshal(payload, &m)
	out, _ := json.Marshal(map[string]interface{}{
		"ok":     true,
		"result": map[string]interface{}{"summary": "report generated", "fields": len(m)},
	})
	return out, nil
}

// pipelineHandler is the explicit orchestrator task: it re-enqueues plan
// and codegen as subjobs, per the built-in taxonomy (distinct from plan's
// own implicit pipeline-mode expansion into generate_code/run_tests).
func pipelineHandler(q *queue.Queue) registry.Handler {
	return func(name string, payload json.RawMessage) (json.RawMessage, error) {
		var p planPayload
		_ = json.Unmarshal(payload, &p)
		idea := p.Idea
		if idea == "" {
			idea = "demo"
		}
		module := p.Module
		if module == "" {
			module = "hello_mod"
		}

		ctx := context.Background()
		planPayloadJSON, _ := json.Marshal(map[string]string{"idea": idea, "module": module})
		planID, err := q.Enqueue(ctx, "plan", planPayloadJSON, 0, time.Time{})
		if err != nil {
			out, _ := json.Marshal(map[string]interface{}{"ok": false, "stage": "enqueue-plan", "error": err.Error()})
			return out, nil
		}

		genPayload, _ := json.Marshal(map[string]string{"idea": idea, "module": module})
		genID, err := q.Enqueue(ctx, "codegen", genPayload, 0, time.Time{})
		if err != nil {
			out, _ := json.Marshal(map[string]interface{}{
				"ok": false, "stage": "enqueue-codegen", "error": err.Error(),
				"subjobs": map[string]string{"plan": planID},
			})
			return out, nil
		}

		out, _ := json.Marshal(map[string]interface{}{
			"ok": true,
			"subjobs": map[string]string{
				"plan":     planID,
				"generate": genID,
			},
		})
		return out, nil
	}
}
