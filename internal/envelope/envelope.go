// Package envelope maps the per-pipeline error taxonomy onto the uniform
// JSON status envelope the HTTP surface returns (SPEC_FULL.md §7).
package envelope

import "fmt"

// AlgoInfo carries the execution-pipeline fields nested under algo_info in
// the exec_and_wait response. RunTime is a pointer so it's omitted entirely
// on failure rather than serialized as a misleading zero.
type AlgoInfo struct {
	ErrorMessage string   `json:"error_message"`
	RunTime      *float64 `json:"run_time,omitempty"`
}

// ExecEnvelope is the exec_and_wait JSON shape used on failure, and the
// header-carrying success shape's error-describing twin.
type ExecEnvelope struct {
	Status   string   `json:"status"`
	Error    string   `json:"error"`
	AlgoInfo AlgoInfo `json:"algo_info"`
}

// BuildEnvelope is the ensure_compilation response shape.
type BuildEnvelope struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	BuildLog string `json:"buildlog,omitempty"`
}

const (
	// IPOLTimeoutShort is the value of the "error" field on a timed-out
	// execution. Reproduced byte-for-byte per the platform's wire contract.
	IPOLTimeoutShort = "IPOLTimeoutError"
	// IPOLTimeoutLong is the value of algo_info.error_message on a timed-out
	// execution.
	IPOLTimeoutLong = "IPOLTimeoutError: Execution timeout"
)

// NonZeroExitMessage formats the combined error/error_message text for a
// container that exited with a non-zero code.
func NonZeroExitMessage(code int64, output string) string {
	return fmt.Sprintf("Non-zero exit code (%d): %s", code, output)
}

// MissingDockerfileMessage formats the ensure_compilation failure message
// for a dockerfile that does not exist in the reconciled source tree.
func MissingDockerfileMessage(path string) string {
	return fmt.Sprintf("Couldn't find dockerfile: %s", path)
}

// OK builds a successful exec envelope.
func OK(runTime float64) ExecEnvelope {
	return ExecEnvelope{
		Status:   "OK",
		Error:    "",
		AlgoInfo: AlgoInfo{RunTime: &runTime},
	}
}

// Failed builds a failed exec envelope from a short error code and a long
// description; both are frequently the same string.
func Failed(shortErr, longMessage string) ExecEnvelope {
	return ExecEnvelope{
		Status:   "KO",
		Error:    shortErr,
		AlgoInfo: AlgoInfo{ErrorMessage: longMessage},
	}
}

// Timeout builds the envelope for a deadline-exceeded execution.
func Timeout() ExecEnvelope {
	return Failed(IPOLTimeoutShort, IPOLTimeoutLong)
}

// NonZeroExit builds the envelope for a container that exited non-zero.
func NonZeroExit(code int64, output string) ExecEnvelope {
	msg := NonZeroExitMessage(code, output)
	return Failed(msg, msg)
}

// Infrastructure builds the envelope for engine/IO/path/archive failures,
// surfacing the underlying library's message verbatim.
func Infrastructure(message string) ExecEnvelope {
	return Failed(message, message)
}

// BuildOK builds a successful ensure_compilation envelope.
func BuildOK(message string) BuildEnvelope {
	return BuildEnvelope{Status: "OK", Message: message}
}

// BuildFailed builds a failed ensure_compilation envelope; buildLog is empty
// for every Kind except BuildError, matching the spec's "absent on other
// errors" rule.
func BuildFailed(message, buildLog string) BuildEnvelope {
	return BuildEnvelope{Status: "KO", Message: message, BuildLog: buildLog}
}
