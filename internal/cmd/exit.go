package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"
)

// ExitWithCode logs err with the foundry exit code metadata and exits.
// logger may be nil for failures before logging is set up.
func ExitWithCode(logger *logging.Logger, exitCode foundry.ExitCode, msg string, err error) {
	if logger == nil {
		ExitWithCodeStderr(exitCode, msg, err)
		return
	}

	info, ok := foundry.GetExitCodeInfo(exitCode)
	if !ok {
		logger.Error(msg, zap.Int("exit_code", int(exitCode)), zap.Error(err))
		os.Exit(int(exitCode))
	}

	fields := []zap.Field{
		zap.Int("exit_code", info.Code),
		zap.String("exit_name", info.Name),
		zap.String("exit_category", info.Category),
	}
	fields = append(fields, envelopeFields(err)...)
	logger.Error(msg, fields...)

	os.Exit(info.Code)
}

// ExitWithCodeStderr writes the failure to stderr and exits.
func ExitWithCodeStderr(exitCode foundry.ExitCode, msg string, err error) {
	fmt.Fprintln(os.Stderr, describeFailure(msg, err))

	info, ok := foundry.GetExitCodeInfo(exitCode)
	if !ok {
		os.Exit(int(exitCode))
	}
	fmt.Fprintf(os.Stderr, "Exit Code: %d (%s) - %s\n", info.Code, info.Name, info.Description)
	os.Exit(info.Code)
}

func describeFailure(msg string, err error) string {
	if err == nil {
		return "FATAL: " + msg
	}
	if envelope, ok := err.(*errors.ErrorEnvelope); ok {
		line := fmt.Sprintf("FATAL: %s [%s]: %s", msg, envelope.Code, envelope.Message)
		if cause, ok := envelope.Context["wrapped_error"]; ok {
			line += fmt.Sprintf(" (%v)", cause)
		}
		return line
	}
	return fmt.Sprintf("FATAL: %s: %v", msg, err)
}

func envelopeFields(err error) []zap.Field {
	envelope, ok := err.(*errors.ErrorEnvelope)
	if !ok {
		return []zap.Field{zap.Error(err)}
	}
	fields := []zap.Field{
		zap.String("error_code", envelope.Code),
		zap.String("error_message", envelope.Message),
	}
	if envelope.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", envelope.CorrelationID))
	}
	if len(envelope.Context) > 0 {
		fields = append(fields, zap.Any("error_context", envelope.Context))
	}
	return fields
}
