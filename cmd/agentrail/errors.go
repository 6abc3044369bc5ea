package main

import (
	"fmt"
	"io"

	"github.com/user/agentrail/internal/types"
)

// Exit codes by pipeline stage.
const (
	exitFailure    = 1
	exitInput      = 2
	exitValidation = 3
	exitStorage    = 4
)

func exitCode(stage types.Stage) int {
	switch stage {
	case types.StageAdapterSelection, types.StageParse:
		return exitInput
	case types.StageValidation:
		return exitValidation
	case types.StagePersistence:
		return exitStorage
	}
	return exitFailure
}

// reportError prints err with its stage and returns the exit code.
func reportError(w io.Writer, err error) int {
	stage := types.StageOf(err)
	if stage == "" {
		fmt.Fprintf(w, "error: %v\n", err)
	} else {
		fmt.Fprintf(w, "error [%s]: %v\n", stage, err)
	}
	return exitCode(stage)
}
