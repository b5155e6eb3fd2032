package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/convotest/judge"
)

// errVerdictFailed is returned when the judge does not pass the transcript.
var errVerdictFailed = errors.New("judge verdict did not pass")

type judgeFlags struct {
	rubric    string
	threshold float64
	scope     string
	persona   string
	next      bool
}

func judgeCmd(g *globalFlags) *cobra.Command {
	f := &judgeFlags{}
	cmd := &cobra.Command{
		Use:   "judge [request.json | -]",
		Short: "Evaluate a transcript with the configured judge",
		Long: `Judge reads a judge request ({"rubric", "transcript", ...}) or a bare
transcript array from a file or stdin, evaluates it and prints the verdict
as JSON. Flags override the fields of the request. The exit status is 3
when the verdict does not pass.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.setup()
			if err != nil {
				return err
			}

			src := "-"
			if len(args) == 1 {
				src = args[0]
			}
			req, err := readJudgeRequest(cmd.InOrStdin(), src)
			if err != nil {
				return err
			}
			f.apply(cmd, &req, cfg.Judge.Threshold)
			if strings.TrimSpace(req.Rubric) == "" {
				return fmt.Errorf("a rubric is required (--rubric or the request's rubric field)")
			}

			app, err := NewApp(cfg, logger)
			if err != nil {
				return err
			}
			j, err := app.BuildJudge(cmd.Context())
			if err != nil {
				return err
			}

			verdict := j.Evaluate(cmd.Context(), req)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(verdict); err != nil {
				return err
			}
			if !verdict.Pass {
				return errVerdictFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.rubric, "rubric", "", "Rubric to evaluate against")
	cmd.Flags().Float64Var(&f.threshold, "threshold", judge.DefaultThreshold, "Pass threshold (0-1)")
	cmd.Flags().StringVar(&f.scope, "scope", "", "Evaluation scope (last or transcript)")
	cmd.Flags().StringVar(&f.persona, "persona", "", "Persona of the simulated user")
	cmd.Flags().BoolVar(&f.next, "next", false, "Ask the judge to propose the next user message")
	return cmd
}

// apply overlays the flags on req. Without a threshold flag or field the
// configured judge threshold applies.
func (f *judgeFlags) apply(cmd *cobra.Command, req *judge.Request, configured float64) {
	if f.rubric != "" {
		req.Rubric = f.rubric
	}
	switch {
	case cmd.Flags().Changed("threshold"):
		t := f.threshold
		req.Threshold = &t
	case req.Threshold == nil && configured > 0:
		t := configured
		req.Threshold = &t
	}
	if f.scope != "" {
		req.Scope = f.scope
	}
	if f.persona != "" {
		req.Persona = f.persona
	}
	if f.next {
		req.RequestNext = true
	}
}

// readJudgeRequest accepts either a judge request object or a bare
// transcript array.
func readJudgeRequest(stdin io.Reader, src string) (judge.Request, error) {
	var data []byte
	var err error
	if src == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(src)
	}
	if err != nil {
		return judge.Request{}, fmt.Errorf("read judge request: %w", err)
	}

	var req judge.Request
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &req.Transcript); err != nil {
			return judge.Request{}, fmt.Errorf("parse transcript: %w", err)
		}
		return withLastAssistant(req), nil
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return judge.Request{}, fmt.Errorf("parse judge request: %w", err)
	}
	return withLastAssistant(req), nil
}

// withLastAssistant fills LastAssistant from the transcript when unset.
func withLastAssistant(req judge.Request) judge.Request {
	if req.LastAssistant != "" {
		return req
	}
	for i := len(req.Transcript) - 1; i >= 0; i-- {
		if req.Transcript[i].Role == "assistant" {
			req.LastAssistant = req.Transcript[i].Content
			break
		}
	}
	return req
}
