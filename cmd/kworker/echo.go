package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/ARiSE-Lab/kGymSuite/internal/task"
)

// echoTask is the built-in smoke-test stage: it copies its argument fields
// into the result, writes them to a scratch file, and submits that file as a
// stage resource. Useful for verifying a deployment end to end without any
// real workload.
type echoTask struct{}

func (e *echoTask) Run(ctx context.Context, h *task.Harness) error {
	h.ReportJobLog(ctx, map[string]string{"msg": "echo stage started"})

	arg := h.Argument()
	for key, value := range arg.Extra {
		h.PendingResult.Extra[key] = value
	}

	raw, err := arg.MarshalJSON()
	if err != nil {
		return err
	}
	path := filepath.Join(h.ScratchDir, "argument.json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return err
	}

	res, err := h.SubmitResource(ctx, "argument.json", path)
	if err != nil {
		return err
	}
	if res != nil {
		if err := h.PendingResult.Set("argument", res); err != nil {
			return err
		}
	}
	return nil
}

func (e *echoTask) Clean(context.Context) error { return nil }
