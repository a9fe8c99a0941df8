package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/libar-dev/libar-platform/internal/agent"
	"github.com/libar-dev/libar-platform/internal/harness"
)

// FileValidation is the outcome for one validated file.
type FileValidation struct {
	File  string `json:"file"`
	Kind  string `json:"kind"` // agents | scenario
	Valid bool   `json:"valid"`

	// Count is the number of agents in a valid agents file.
	Count int             `json:"count,omitempty"`
	Error *FileFieldError `json:"error,omitempty"`
}

// FileFieldError locates a validation failure.
type FileFieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool             `json:"valid"`
	Files []FileValidation `json:"files"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate agent definition and scenario files",
		Long: `Validate agent definition files against their CUE schema and scenario
files against the scenario format, without running anything.

A YAML file with a top-level flow key is a scenario; any other file is an
agents file.

Example:
  libar validate agents.yaml
  libar validate scenarios/*.yaml --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}
}

func runValidate(opts *RootOptions, files []string, cmd *cobra.Command) error {
	formatter := newFormatter(cmd, opts)

	result := ValidationResult{Valid: true, Files: make([]FileValidation, 0, len(files))}
	for _, file := range files {
		fv := validateFile(file)
		formatter.VerboseLog("Validated %s file %s", fv.Kind, file)
		if !fv.Valid {
			result.Valid = false
		}
		result.Files = append(result.Files, fv)
	}

	if !result.Valid {
		if err := formatter.Error("E_INVALID", "validation failed", result); err != nil {
			return err
		}
		if opts.Format != "json" {
			printValidation(cmd.OutOrStdout(), result)
		}
		return NewExitError(ExitFailure, "validation failed")
	}
	return formatter.Success(result, func(w io.Writer) {
		printValidation(w, result)
	})
}

func validateFile(file string) FileValidation {
	fv := FileValidation{File: file, Kind: "agents"}
	isScenario, err := isScenarioFile(file)
	if err != nil {
		fv.Error = &FileFieldError{Message: err.Error()}
		return fv
	}

	if isScenario {
		fv.Kind = "scenario"
		if _, err := harness.LoadScenario(file); err != nil {
			fv.Error = &FileFieldError{Message: err.Error()}
			return fv
		}
		fv.Valid = true
		return fv
	}

	defs, err := agent.LoadDefinitions(file, nil)
	if err != nil {
		fv.Error = &FileFieldError{Message: err.Error()}
		var de *agent.DefinitionError
		if errors.As(err, &de) {
			fv.Error = &FileFieldError{Field: de.Field, Message: de.Message}
			if de.Pos.IsValid() {
				fv.Error.Line = de.Pos.Line()
			}
		}
		return fv
	}
	fv.Valid = true
	fv.Count = len(defs)
	return fv
}

func printValidation(w io.Writer, result ValidationResult) {
	for _, fv := range result.Files {
		if fv.Valid {
			fmt.Fprintf(w, "✓ %s (%s)\n", fv.File, fv.Kind)
			continue
		}
		fmt.Fprintf(w, "✗ %s (%s)\n", fv.File, fv.Kind)
		e := fv.Error
		switch {
		case e.Line > 0:
			fmt.Fprintf(w, "  line %d: %s: %s\n", e.Line, e.Field, e.Message)
		case e.Field != "":
			fmt.Fprintf(w, "  %s: %s\n", e.Field, e.Message)
		default:
			fmt.Fprintf(w, "  %s\n", e.Message)
		}
	}
}
