package api

// NormalizeOutcomes guarantees one outcome per command string. Outcomes the
// session reported are kept, classifying bare per-command errors as
// command_error; strings never reached because the session died are filled
// with the session error.
func NormalizeOutcomes(commands []string, reported []Outcome, sessionErr error) []Outcome {
	out := make([]Outcome, len(commands))
	for i, cmd := range commands {
		if i < len(reported) {
			o := reported[i]
			if o.Command == "" {
				o.Command = cmd
			}
			if o.Error != "" && o.Code == "" {
				o.Code = CodeCommandError
			}
			out[i] = o
			continue
		}
		detail := "not executed"
		if sessionErr != nil {
			detail = sessionErr.Error()
		}
		out[i] = Outcome{Command: cmd, Error: detail, Code: CodeSessionError}
	}
	return out
}

// FailedOutcomes marks every command string failed with the same error.
func FailedOutcomes(commands []string, detail, code string) []Outcome {
	out := make([]Outcome, len(commands))
	for i, cmd := range commands {
		out[i] = Outcome{Command: cmd, Error: detail, Code: code}
	}
	return out
}
